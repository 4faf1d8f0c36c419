// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/models"
)

// plexWebhook is the JSON document inside the multipart "payload" part of a
// Plex webhook delivery.
type plexWebhook struct {
	Event   string `json:"event"`
	User    bool   `json:"user"`
	Owner   bool   `json:"owner"`
	Account struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	} `json:"Account"`
	Server struct {
		Title string `json:"title"`
		UUID  string `json:"uuid"`
	} `json:"Server"`
	Metadata plexItem `json:"Metadata"`
}

// plexPayload extracts the webhook JSON. Plex posts multipart/form-data with
// the document in the "payload" part; a plain JSON body is accepted too.
func plexPayload(r *http.Request) ([]byte, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}

	mediatype, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediatype != "multipart/form-data" {
		return raw, nil
	}

	mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newError(zerolog.WarnLevel, ErrValidation, http.StatusBadRequest,
				"Malformed multipart webhook body", nil)
		}
		if part.FormName() == "payload" {
			return io.ReadAll(part)
		}
	}
	return nil, newError(zerolog.WarnLevel, ErrValidation, http.StatusBadRequest,
		"Webhook delivery has no payload part", nil)
}

func decodePlexWebhook(r *http.Request) (*plexWebhook, error) {
	raw, err := plexPayload(r)
	if err != nil {
		return nil, err
	}
	var payload plexWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, newError(zerolog.WarnLevel, ErrValidation, http.StatusBadRequest,
			"Unparseable webhook payload", nil)
	}
	return &payload, nil
}

// ParseWebhook converts a Plex webhook delivery into a State.
func (p *Plex) ParseWebhook(r *http.Request) (*models.State, error) {
	payload, err := decodePlexWebhook(r)
	if err != nil {
		return nil, err
	}

	st, reason, convErr := p.itemState(payload.Metadata, "", nil, p.ctx.Log)
	if st == nil {
		code := http.StatusNotModified
		if reason == "malformed" {
			code = http.StatusBadRequest
		}
		return nil, newError(zerolog.InfoLevel, ErrValidation, code,
			"Webhook item not admissible", map[string]any{"reason": reason, "err": convErr})
	}

	st.Tainted = models.TaintedEvent(payload.Event)
	st.Updated = time.Now().Unix()
	if payload.Metadata.LastViewedAt > 0 {
		st.Updated = payload.Metadata.LastViewedAt
	}

	switch payload.Event {
	case models.EventPlexScrobble:
		st.Watched = true
	case models.EventPlexNew:
		st.Watched = false
	}

	md := st.Metadata[p.ctx.Name]
	md.Watched = st.Watched
	md.Progress = st.Progress
	st.Metadata[p.ctx.Name] = md
	st.Extra = map[string]models.Extra{
		p.ctx.Name: {Event: payload.Event, Date: st.Updated},
	}

	if !st.HasGuids() {
		return nil, newError(zerolog.InfoLevel, ErrValidation, http.StatusNotModified,
			"Webhook item %(item) carries no known external ids", map[string]any{"item": st.Display()})
	}
	return st, nil
}

// InspectRequest extracts origin attributes from a webhook delivery.
func (p *Plex) InspectRequest(r *http.Request) (RequestAttributes, error) {
	payload, err := decodePlexWebhook(r)
	if err != nil {
		return RequestAttributes{}, err
	}
	return RequestAttributes{
		UserID:    strconv.Itoa(payload.Account.ID),
		BackendID: payload.Server.UUID,
		Event:     payload.Event,
	}, nil
}
