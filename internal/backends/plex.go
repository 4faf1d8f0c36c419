// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/metrics"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

// plexProvider is the identifier Plex expects on play-state write endpoints.
const plexProvider = "com.plexapp.plugins.library"

// Plex library item type codes used by section queries.
const (
	plexTypeMovie   = "1"
	plexTypeShow    = "2"
	plexTypeEpisode = "4"
)

// Plex adapts a Plex Media Server.
type Plex struct {
	ctx Context

	infoMu  sync.Mutex
	infoID  string
	infoVer string
}

// NewPlex builds the adapter for the given context.
func NewPlex(ctx Context) (*Plex, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return &Plex{ctx: ctx}, nil
}

func (p *Plex) Name() string             { return p.ctx.Name }
func (p *Plex) Type() config.BackendType { return config.BackendPlex }
func (p *Plex) Context() Context         { return p.ctx }

// WithContext returns a clone bound to ctx.
func (p *Plex) WithContext(ctx Context) Client {
	return &Plex{ctx: ctx}
}

// Wire model. Plex wraps everything in a MediaContainer envelope.

type plexContainer struct {
	MediaContainer struct {
		Size              int               `json:"size"`
		TotalSize         int               `json:"totalSize"`
		MachineIdentifier string            `json:"machineIdentifier"`
		Version           string            `json:"version"`
		Directory         []plexDirectory   `json:"Directory"`
		Metadata          []json.RawMessage `json:"Metadata"`
		Account           []plexAccount     `json:"Account"`
	} `json:"MediaContainer"`
}

type plexDirectory struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type plexAccount struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type plexGuidRef struct {
	ID string `json:"id"`
}

type plexItem struct {
	RatingKey            string        `json:"ratingKey"`
	Type                 string        `json:"type"`
	Title                string        `json:"title"`
	GrandparentTitle     string        `json:"grandparentTitle"`
	GrandparentRatingKey string        `json:"grandparentRatingKey"`
	Year                 int           `json:"year"`
	Index                *int          `json:"index"`
	ParentIndex          *int          `json:"parentIndex"`
	Guid                 string        `json:"guid"`
	Guids                []plexGuidRef `json:"Guid"`
	AddedAt              int64         `json:"addedAt"`
	LastViewedAt         int64         `json:"lastViewedAt"`
	ViewCount            int           `json:"viewCount"`
	ViewOffset           int64         `json:"viewOffset"`
	LibrarySectionTitle  string        `json:"librarySectionTitle"`
	Media                []struct {
		Part []struct {
			File string `json:"file"`
		} `json:"Part"`
	} `json:"Media"`
}

func (p *Plex) header() http.Header {
	h := make(http.Header, 3)
	h.Set("X-Plex-Token", p.ctx.Token)
	h.Set("X-Plex-Client-Identifier", "watchstate-"+p.ctx.Name)
	h.Set("Accept", "application/json")
	return h
}

func (p *Plex) endpoint(path string, query url.Values) string {
	u := p.ctx.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (p *Plex) getJSON(ctx context.Context, path string, query url.Values, out *plexContainer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(path, query), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = p.header()

	resp, err := p.ctx.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("plex request: %w", err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	metrics.ResponseSize.WithLabelValues(p.ctx.Name).Add(float64(len(raw)))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode plex response: %w", err)
	}
	return nil
}

func (p *Plex) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newError(zerolog.ErrorLevel, ErrAuthFailed, resp.StatusCode,
			"%(backend) rejected the configured token", map[string]any{"backend": p.ctx.Name})
	case resp.StatusCode == http.StatusNotFound:
		return newError(zerolog.InfoLevel, ErrNotFound, resp.StatusCode,
			"%(backend) has no such resource", map[string]any{"backend": p.ctx.Name})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return newError(zerolog.ErrorLevel, nil, resp.StatusCode,
			"%(backend) returned status %(status)",
			map[string]any{"backend": p.ctx.Name, "status": resp.StatusCode})
	}
	return nil
}

func (p *Plex) root(ctx context.Context, force bool) (string, string, error) {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	if !force && p.infoID != "" {
		return p.infoID, p.infoVer, nil
	}

	var c plexContainer
	if err := p.getJSON(ctx, "/", nil, &c); err != nil {
		return "", "", err
	}
	p.infoID = c.MediaContainer.MachineIdentifier
	p.infoVer = c.MediaContainer.Version
	return p.infoID, p.infoVer, nil
}

// Identifier returns the server machine identifier.
func (p *Plex) Identifier(ctx context.Context, force bool) (string, error) {
	id, _, err := p.root(ctx, force)
	return id, err
}

// Version returns the reported server version.
func (p *Plex) Version(ctx context.Context) (string, error) {
	_, version, err := p.root(ctx, false)
	return version, err
}

// ListUsers returns the server accounts, including managed home users.
func (p *Plex) ListUsers(ctx context.Context) ([]User, error) {
	var c plexContainer
	if err := p.getJSON(ctx, "/accounts", nil, &c); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(c.MediaContainer.Account))
	for _, a := range c.MediaContainer.Account {
		if a.ID == 0 {
			// Account id 0 is the synthetic "all accounts" row.
			continue
		}
		users = append(users, User{ID: strconv.Itoa(a.ID), Name: a.Name, Admin: a.ID == 1})
	}
	return users, nil
}

// ListLibraries returns the section directory.
func (p *Plex) ListLibraries(ctx context.Context) ([]Library, error) {
	var c plexContainer
	if err := p.getJSON(ctx, "/library/sections", nil, &c); err != nil {
		return nil, err
	}

	libs := make([]Library, 0, len(c.MediaContainer.Directory))
	for _, d := range c.MediaContainer.Directory {
		lib := Library{ID: d.Key, Title: d.Title, Type: d.Type}
		if d.Type == "movie" || d.Type == "show" {
			lib.Supported = true
		}
		lib.Ignored = libraryIgnored(p.ctx.Options.IgnoreLibraries, d.Key, d.Title)
		libs = append(libs, lib)
	}
	return libs, nil
}

func (p *Plex) sectionQuery(typeCode string) url.Values {
	q := url.Values{}
	q.Set("type", typeCode)
	q.Set("includeGuids", "1")
	return q
}

// sectionTotal asks for the item count with a zero-size container.
func (p *Plex) sectionTotal(ctx context.Context, key, typeCode string) (int, error) {
	q := p.sectionQuery(typeCode)
	q.Set("X-Plex-Container-Start", "0")
	q.Set("X-Plex-Container-Size", "0")

	var c plexContainer
	if err := p.getJSON(ctx, "/library/sections/"+key+"/all", q, &c); err != nil {
		return 0, err
	}
	return c.MediaContainer.TotalSize, nil
}

// showGuids builds the parent GUID cache for a show section: show rating key
// to its filtered external ids.
func (p *Plex) showGuids(ctx context.Context, key string, pageSize int, log zerolog.Logger) (map[string]models.Guids, error) {
	out := make(map[string]models.Guids)
	for start := 0; ; start += pageSize {
		q := p.sectionQuery(plexTypeShow)
		q.Set("X-Plex-Container-Start", strconv.Itoa(start))
		q.Set("X-Plex-Container-Size", strconv.Itoa(pageSize))

		var c plexContainer
		if err := p.getJSON(ctx, "/library/sections/"+key+"/all", q, &c); err != nil {
			return nil, err
		}
		for _, raw := range c.MediaContainer.Metadata {
			var item plexItem
			if err := json.Unmarshal(raw, &item); err != nil {
				log.Warn().Err(err).Msg("Skipping unparseable show entry")
				continue
			}
			if g := plexGuids(item, log); len(g) > 0 {
				out[item.RatingKey] = g
			}
		}
		if start+len(c.MediaContainer.Metadata) >= c.MediaContainer.TotalSize ||
			len(c.MediaContainer.Metadata) == 0 {
			break
		}
	}
	return out, nil
}

// plexGuids extracts and filters external ids from both the modern Guid list
// and the legacy agent guid string.
func plexGuids(item plexItem, log zerolog.Logger) models.Guids {
	raw := make(map[string]string, len(item.Guids)+1)
	for _, ref := range item.Guids {
		if source, value, ok := parsePlexGuid(ref.ID); ok {
			raw[source] = value
		}
	}
	if source, value, ok := parsePlexGuid(item.Guid); ok {
		if _, dup := raw[source]; !dup {
			raw[source] = value
		}
	}
	return models.FilterGuids(raw, log)
}

// parsePlexGuid normalizes the two guid shapes Plex emits: the modern
// "imdb://tt0120915" references and legacy agent guids like
// "com.plexapp.agents.thetvdb://371028/1/1?lang=en". Internal plex://
// references carry no external identity.
func parsePlexGuid(raw string) (string, string, bool) {
	source, rest, ok := strings.Cut(raw, "://")
	if !ok || rest == "" {
		return "", "", false
	}
	source = strings.ToLower(strings.TrimPrefix(source, "com.plexapp.agents."))
	switch source {
	case "thetvdb":
		source = "tvdb"
	case "themoviedb":
		source = "tmdb"
	case "plex", "local", "none":
		return "", "", false
	}

	value := rest
	if i := strings.IndexAny(value, "?/"); i >= 0 {
		value = value[:i]
	}
	if value == "" {
		return "", "", false
	}
	return source, value, true
}

// Import lists sections, admits supported non-ignored ones, primes the show
// GUID cache and enqueues one container request per segment.
func (p *Plex) Import(ctx context.Context, q *queue.Queue, h ItemHandler, opts ImportOpts) (int, error) {
	libs, err := p.ListLibraries(ctx)
	if err != nil {
		return 0, err
	}

	admitted := admitLibraries(libs, opts.Libraries, h)
	size := opts.SegmentSize
	if size <= 0 {
		size = p.ctx.Options.SegmentSize
	}
	if size <= 0 {
		size = 1000
	}

	for _, lib := range admitted {
		typeCode := plexTypeMovie
		if lib.Type == "show" {
			typeCode = plexTypeEpisode
		}

		total, err := p.sectionTotal(ctx, lib.ID, typeCode)
		if err != nil {
			h.fail(fmt.Errorf("count section %q: %w", lib.Title, err))
			continue
		}

		var series map[string]models.Guids
		if lib.Type == "show" {
			series, err = p.showGuids(ctx, lib.ID, size, h.Log)
			if err != nil {
				h.fail(fmt.Errorf("show ids for section %q: %w", lib.Title, err))
				continue
			}
		}

		h.Log.Info().
			Str("library", lib.Title).
			Int("items", total).
			Int("segments", (total+size-1)/size).
			Msg("Importing library")

		for start := 0; start < total; start += size {
			sq := p.sectionQuery(typeCode)
			sq.Set("X-Plex-Container-Start", strconv.Itoa(start))
			sq.Set("X-Plex-Container-Size", strconv.Itoa(size))

			lib := lib
			err := q.Submit(ctx, &queue.Request{
				Method: http.MethodGet,
				URL:    p.endpoint("/library/sections/"+lib.ID+"/all", sq),
				Header: p.header(),
				Tag:    p.ctx.Name,
				OnSuccess: func(resp *http.Response) error {
					return p.parseContainer(resp.Body, lib, series, opts, h)
				},
				OnError: func(err error) {
					h.fail(fmt.Errorf("section %q segment at %d: %w", lib.Title, start, err))
				},
			})
			if err != nil {
				return len(admitted), err
			}
		}
	}
	return len(admitted), nil
}

// parseContainer decodes one segment response item by item.
func (p *Plex) parseContainer(r io.Reader, lib Library, series map[string]models.Guids, opts ImportOpts, h ItemHandler) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}
	metrics.ResponseSize.WithLabelValues(p.ctx.Name).Add(float64(len(raw)))

	var c plexContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode segment: %w", err)
	}

	for _, entry := range c.MediaContainer.Metadata {
		var item plexItem
		if err := json.Unmarshal(entry, &item); err != nil {
			h.drop("malformed", err)
			continue
		}
		st, reason, convErr := p.itemState(item, lib.Title, series, h.Log)
		if st == nil {
			h.drop(reason, convErr)
			continue
		}
		if opts.After != nil && st.Updated <= opts.After.Unix() {
			h.drop("cutoff", nil)
			continue
		}
		h.state(st)
	}
	return nil
}

// itemState builds the canonical state for one wire item.
func (p *Plex) itemState(item plexItem, library string, series map[string]models.Guids, log zerolog.Logger) (*models.State, string, error) {
	st := &models.State{
		Via:   p.ctx.Name,
		Title: item.Title,
		Year:  item.Year,
		Guids: plexGuids(item, log),
	}

	switch item.Type {
	case "movie":
		st.Type = models.TypeMovie
	case "episode":
		st.Type = models.TypeEpisode
		if item.Index == nil {
			return nil, "malformed", fmt.Errorf("episode %q has no index", item.Title)
		}
		st.Episode = *item.Index
		if item.ParentIndex != nil {
			st.Season = *item.ParentIndex
		}
		if item.GrandparentTitle != "" {
			st.Title = item.GrandparentTitle
		}
		st.Parent = series[item.GrandparentRatingKey]
	default:
		return nil, "unsupported", fmt.Errorf("unsupported item type %q", item.Type)
	}

	st.Watched = item.ViewCount > 0
	st.Progress = item.ViewOffset
	st.Updated = item.AddedAt
	if st.Watched && item.LastViewedAt > 0 {
		st.Updated = item.LastViewedAt
	}

	md := models.Metadata{
		ID:       item.RatingKey,
		Library:  library,
		AddedAt:  item.AddedAt,
		Watched:  st.Watched,
		Progress: st.Progress,
	}
	if library == "" {
		md.Library = item.LibrarySectionTitle
	}
	if st.Watched {
		md.PlayedAt = item.LastViewedAt
	}
	if len(item.Media) > 0 && len(item.Media[0].Part) > 0 {
		md.Path = item.Media[0].Part[0].File
	}
	st.Metadata = map[string]models.Metadata{p.ctx.Name: md}

	if err := st.Validate(); err != nil {
		return nil, "malformed", err
	}
	return st, "", nil
}

// GetMetadata fetches a single item by rating key.
func (p *Plex) GetMetadata(ctx context.Context, remoteID string) (*models.State, error) {
	q := url.Values{}
	q.Set("includeGuids", "1")

	var c plexContainer
	if err := p.getJSON(ctx, "/library/metadata/"+remoteID, q, &c); err != nil {
		return nil, err
	}
	if len(c.MediaContainer.Metadata) == 0 {
		return nil, ErrNotFound
	}

	var item plexItem
	if err := json.Unmarshal(c.MediaContainer.Metadata[0], &item); err != nil {
		return nil, fmt.Errorf("decode plex item: %w", err)
	}
	st, _, err := p.itemState(item, "", nil, p.ctx.Log)
	if st == nil {
		return nil, fmt.Errorf("item %s not admissible: %w", remoteID, err)
	}
	return st, nil
}

// SearchID is GetMetadata under the search surface.
func (p *Plex) SearchID(ctx context.Context, remoteID string) (*models.State, error) {
	return p.GetMetadata(ctx, remoteID)
}

// Search performs a title search across the server.
func (p *Plex) Search(ctx context.Context, query string, limit int) ([]*models.State, error) {
	if limit <= 0 {
		limit = 25
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("includeGuids", "1")
	q.Set("limit", strconv.Itoa(limit))

	var c plexContainer
	if err := p.getJSON(ctx, "/search", q, &c); err != nil {
		return nil, err
	}

	out := make([]*models.State, 0, len(c.MediaContainer.Metadata))
	for _, raw := range c.MediaContainer.Metadata {
		var item plexItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if st, _, _ := p.itemState(item, "", nil, p.ctx.Log); st != nil {
			out = append(out, st)
		}
	}
	return out, nil
}

// SearchGuids is not expressible against the section API.
func (p *Plex) SearchGuids(ctx context.Context, guids models.Guids) (*models.State, error) {
	return nil, fmt.Errorf("search by external ids: %w", ErrNotImplemented)
}

// Push enqueues scrobble/unscrobble calls for states the decision table
// marks stale on this server.
func (p *Plex) Push(ctx context.Context, q *queue.Queue, states []*models.State) error {
	for _, st := range states {
		action := DecidePush(st, p.ctx.Name)
		if action == PushSearch {
			p.ctx.Log.Debug().Str("item", st.Display()).
				Msg("Item not known to backend, skipping push")
			continue
		}

		var path string
		switch action {
		case PushWatched:
			path = "/:/scrobble"
		case PushUnwatched:
			path = "/:/unscrobble"
		default:
			continue
		}

		pq := url.Values{}
		pq.Set("identifier", plexProvider)
		pq.Set("key", st.BackendID(p.ctx.Name))

		display := st.Display()
		watched := st.Watched
		err := q.Submit(ctx, &queue.Request{
			Method: http.MethodPost,
			URL:    p.endpoint(path, pq),
			Header: p.header(),
			Tag:    p.ctx.Name,
			OnSuccess: func(*http.Response) error {
				p.ctx.Log.Info().Str("item", display).Bool("watched", watched).
					Msg("Pushed play state")
				return nil
			},
			OnError: func(err error) {
				p.ctx.Log.Error().Err(err).Str("item", display).Msg("Play state push failed")
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Progress enqueues timeline position writes for the given states.
func (p *Plex) Progress(ctx context.Context, q *queue.Queue, states []*models.State) error {
	for _, st := range states {
		id := st.BackendID(p.ctx.Name)
		if id == "" || !st.HasPlayProgress() {
			continue
		}

		pq := url.Values{}
		pq.Set("identifier", plexProvider)
		pq.Set("key", id)
		pq.Set("time", strconv.FormatInt(st.Progress, 10))
		pq.Set("state", "stopped")

		display := st.Display()
		progress := st.Progress
		err := q.Submit(ctx, &queue.Request{
			Method: http.MethodGet,
			URL:    p.endpoint("/:/progress", pq),
			Header: p.header(),
			Tag:    p.ctx.Name,
			OnSuccess: func(*http.Response) error {
				p.ctx.Log.Info().Str("item", display).Int64("progress_ms", progress).
					Msg("Pushed play progress")
				return nil
			},
			OnError: func(err error) {
				p.ctx.Log.Error().Err(err).Str("item", display).Msg("Play progress push failed")
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
