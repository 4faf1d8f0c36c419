// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/models"
)

// jfWebhook is the flat payload produced by the Jellyfin webhook plugin's
// generic destination template. Provider ids arrive as Provider_<source>
// keys.
type jfWebhook struct {
	Event            string `json:"Event"`
	NotificationType string `json:"NotificationType"`
	ServerID         string `json:"ServerId"`
	ServerVersion    string `json:"ServerVersion"`
	ItemID           string `json:"ItemId"`
	ItemType         string `json:"ItemType"`
	Name             string `json:"Name"`
	Year             int    `json:"Year"`
	SeriesName       string `json:"SeriesName"`
	SeasonNumber     *int   `json:"SeasonNumber"`
	EpisodeNumber    *int   `json:"EpisodeNumber"`
	UserID           string `json:"UserId"`
	Username         string `json:"NotificationUsername"`
	Played           bool   `json:"Played"`
	PositionTicks    int64  `json:"PlaybackPositionTicks"`
	UtcTimestamp     string `json:"UtcTimestamp"`

	ProviderImdb   string `json:"Provider_imdb"`
	ProviderTvdb   string `json:"Provider_tvdb"`
	ProviderTmdb   string `json:"Provider_tmdb"`
	ProviderTvmaze string `json:"Provider_tvmaze"`
	ProviderTvrage string `json:"Provider_tvrage"`
	ProviderAnidb  string `json:"Provider_anidb"`
}

func (w *jfWebhook) event() string {
	if w.Event != "" {
		return w.Event
	}
	return w.NotificationType
}

func (w *jfWebhook) providers() map[string]string {
	out := map[string]string{}
	for source, value := range map[string]string{
		"imdb":   w.ProviderImdb,
		"tvdb":   w.ProviderTvdb,
		"tmdb":   w.ProviderTmdb,
		"tvmaze": w.ProviderTvmaze,
		"tvrage": w.ProviderTvrage,
		"anidb":  w.ProviderAnidb,
	} {
		if value != "" {
			out[source] = value
		}
	}
	return out
}

// webhookTimeLayouts covers the timestamp renderings seen from the plugin.
var webhookTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z",
	"2006-01-02T15:04:05",
}

func parseWebhookTime(raw string, now func() time.Time) int64 {
	for _, layout := range webhookTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix()
		}
	}
	return now().Unix()
}

func decodeJellyfinWebhook(r *http.Request) (*jfWebhook, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var payload jfWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, newError(zerolog.WarnLevel, ErrValidation, http.StatusBadRequest,
			"Unparseable webhook payload", nil)
	}
	return &payload, nil
}

func (c *mediaBrowser) parseJellyfinWebhook(r *http.Request) (*models.State, error) {
	payload, err := decodeJellyfinWebhook(r)
	if err != nil {
		return nil, err
	}
	event := payload.event()

	st := &models.State{
		Via:     c.ctx.Name,
		Title:   payload.Name,
		Year:    payload.Year,
		Guids:   models.FilterGuids(payload.providers(), c.ctx.Log),
		Watched: payload.Played,
		Updated: parseWebhookTime(payload.UtcTimestamp, time.Now),
		Tainted: models.TaintedEvent(event),
	}

	switch payload.ItemType {
	case "Movie":
		st.Type = models.TypeMovie
	case "Episode":
		st.Type = models.TypeEpisode
		if payload.EpisodeNumber == nil || *payload.EpisodeNumber < 1 {
			return nil, newError(zerolog.InfoLevel, ErrValidation, http.StatusNotModified,
				"Episode webhook without a usable episode number", map[string]any{"item": payload.Name})
		}
		st.Episode = *payload.EpisodeNumber
		if payload.SeasonNumber != nil {
			st.Season = *payload.SeasonNumber
		}
		if payload.SeriesName != "" {
			st.Title = payload.SeriesName
		}
	default:
		return nil, newError(zerolog.InfoLevel, ErrValidation, http.StatusNotModified,
			"Webhook for unsupported item type %(type)", map[string]any{"type": payload.ItemType})
	}

	// Terminal watched transitions.
	switch event {
	case models.EventJellyfinItemAdded:
		st.Watched = false
	case models.EventJellyfinPlaybackStop:
		// Played reflects the completion outcome on stop.
	}

	st.Progress = payload.PositionTicks / ticksPerMillisecond
	st.Metadata = map[string]models.Metadata{
		c.ctx.Name: {
			ID:       payload.ItemID,
			Watched:  st.Watched,
			Progress: st.Progress,
		},
	}
	st.Extra = map[string]models.Extra{
		c.ctx.Name: {Event: event, Date: st.Updated},
	}

	if !st.HasGuids() {
		return nil, newError(zerolog.InfoLevel, ErrValidation, http.StatusNotModified,
			"Webhook item %(item) carries no known external ids", map[string]any{"item": st.Display()})
	}
	return st, nil
}

func (c *mediaBrowser) inspectJellyfinRequest(r *http.Request) (RequestAttributes, error) {
	payload, err := decodeJellyfinWebhook(r)
	if err != nil {
		return RequestAttributes{}, err
	}
	return RequestAttributes{
		UserID:    payload.UserID,
		BackendID: payload.ServerID,
		Event:     payload.event(),
	}, nil
}

// embyWebhook is the nested payload of Emby's built-in webhook notifications.
type embyWebhook struct {
	Event string `json:"Event"`
	Date  string `json:"Date"`
	User  struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	} `json:"User"`
	Server struct {
		ID string `json:"Id"`
	} `json:"Server"`
	Item         mbItem `json:"Item"`
	PlaybackInfo struct {
		PositionTicks      int64 `json:"PositionTicks"`
		PlayedToCompletion bool  `json:"PlayedToCompletion"`
	} `json:"PlaybackInfo"`
}

func decodeEmbyWebhook(r *http.Request) (*embyWebhook, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var payload embyWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, newError(zerolog.WarnLevel, ErrValidation, http.StatusBadRequest,
			"Unparseable webhook payload", nil)
	}
	return &payload, nil
}

func (c *mediaBrowser) parseEmbyWebhook(r *http.Request) (*models.State, error) {
	payload, err := decodeEmbyWebhook(r)
	if err != nil {
		return nil, err
	}

	st, reason, convErr := c.itemState(payload.Item, "", nil, c.ctx.Log)
	if st == nil {
		code := http.StatusNotModified
		if reason == "malformed" {
			code = http.StatusBadRequest
		}
		return nil, newError(zerolog.InfoLevel, ErrValidation, code,
			"Webhook item not admissible", map[string]any{"reason": reason, "err": fmt.Sprint(convErr)})
	}

	st.Tainted = models.TaintedEvent(payload.Event)
	st.Updated = parseWebhookTime(payload.Date, time.Now)

	switch payload.Event {
	case models.EventEmbyMarkPlayed:
		st.Watched = true
	case models.EventEmbyMarkUnplayed:
		st.Watched = false
	case models.EventEmbyPlaybackStop:
		if payload.PlaybackInfo.PlayedToCompletion {
			st.Watched = true
		}
	case models.EventEmbyItemAdded:
		st.Watched = false
	}

	if ticks := payload.PlaybackInfo.PositionTicks; ticks > 0 {
		st.Progress = ticks / ticksPerMillisecond
	}

	md := st.Metadata[c.ctx.Name]
	md.Watched = st.Watched
	md.Progress = st.Progress
	st.Metadata[c.ctx.Name] = md
	st.Extra = map[string]models.Extra{
		c.ctx.Name: {Event: payload.Event, Date: st.Updated},
	}

	if !st.HasGuids() {
		return nil, newError(zerolog.InfoLevel, ErrValidation, http.StatusNotModified,
			"Webhook item %(item) carries no known external ids", map[string]any{"item": st.Display()})
	}
	return st, nil
}

func (c *mediaBrowser) inspectEmbyRequest(r *http.Request) (RequestAttributes, error) {
	payload, err := decodeEmbyWebhook(r)
	if err != nil {
		return RequestAttributes{}, err
	}
	return RequestAttributes{
		UserID:    payload.User.ID,
		BackendID: payload.Server.ID,
		Event:     payload.Event,
	}, nil
}
