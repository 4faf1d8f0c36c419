// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/metrics"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

// ticksPerMillisecond converts MediaBrowser playback ticks (100ns units) to
// the canonical millisecond positions.
const ticksPerMillisecond = 10_000

// mediaBrowser is the API client shared by the Jellyfin and Emby adapters.
// The two servers descend from the same codebase and expose the same item
// model; the thin vendor wrappers override only webhook parsing and the
// handful of endpoints that diverged.
type mediaBrowser struct {
	ctx    Context
	flavor config.BackendType

	infoMu  sync.Mutex
	infoID  string
	infoVer string
}

func newMediaBrowser(ctx Context, flavor config.BackendType) *mediaBrowser {
	return &mediaBrowser{ctx: ctx, flavor: flavor}
}

func (c *mediaBrowser) with(ctx Context) *mediaBrowser {
	return &mediaBrowser{ctx: ctx, flavor: c.flavor}
}

func (c *mediaBrowser) Name() string             { return c.ctx.Name }
func (c *mediaBrowser) Type() config.BackendType { return c.flavor }
func (c *mediaBrowser) Context() Context         { return c.ctx }

// Wire model. Field names follow the MediaBrowser API casing.

type mbPage struct {
	Items            []json.RawMessage `json:"Items"`
	TotalRecordCount int               `json:"TotalRecordCount"`
}

type mbItem struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"`
	Path              string            `json:"Path"`
	ProductionYear    int               `json:"ProductionYear"`
	IndexNumber       *int              `json:"IndexNumber"`
	IndexNumberEnd    *int              `json:"IndexNumberEnd"`
	ParentIndexNumber *int              `json:"ParentIndexNumber"`
	SeriesID          string            `json:"SeriesId"`
	SeriesName        string            `json:"SeriesName"`
	ProviderIds       map[string]string `json:"ProviderIds"`
	DateCreated       time.Time         `json:"DateCreated"`
	RunTimeTicks      int64             `json:"RunTimeTicks"`
	UserData          *mbUserData       `json:"UserData"`
}

type mbUserData struct {
	Played                bool       `json:"Played"`
	LastPlayedDate        *time.Time `json:"LastPlayedDate"`
	PlaybackPositionTicks int64      `json:"PlaybackPositionTicks"`
}

type mbView struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	CollectionType string `json:"CollectionType"`
}

type mbViewsPage struct {
	Items []mbView `json:"Items"`
}

type mbSystemInfo struct {
	ID      string `json:"Id"`
	Name    string `json:"ServerName"`
	Version string `json:"Version"`
}

type mbUser struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Policy struct {
		IsAdministrator bool `json:"IsAdministrator"`
	} `json:"Policy"`
}

func (c *mediaBrowser) authHeader() string {
	return fmt.Sprintf(
		`MediaBrowser Token="%s", Client="WatchState", Device="WatchState", DeviceId="ws-%s", Version="1.0"`,
		c.ctx.Token, c.ctx.Name,
	)
}

func (c *mediaBrowser) endpoint(path string, query url.Values) string {
	u := c.ctx.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *mediaBrowser) header() http.Header {
	h := make(http.Header, 2)
	h.Set("Authorization", c.authHeader())
	h.Set("Accept", "application/json")
	return h
}

// getJSON performs a synchronous GET and decodes the response into out.
func (c *mediaBrowser) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = c.header()

	resp, err := c.ctx.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.flavor, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	metrics.ResponseSize.WithLabelValues(c.ctx.Name).Add(float64(len(raw)))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.flavor, err)
	}
	return nil
}

func (c *mediaBrowser) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newError(zerolog.ErrorLevel, ErrAuthFailed, resp.StatusCode,
			"%(backend) rejected the configured token", map[string]any{"backend": c.ctx.Name})
	case resp.StatusCode == http.StatusNotFound:
		return newError(zerolog.InfoLevel, ErrNotFound, resp.StatusCode,
			"%(backend) has no such resource", map[string]any{"backend": c.ctx.Name})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return newError(zerolog.ErrorLevel, nil, resp.StatusCode,
			"%(backend) returned status %(status)",
			map[string]any{"backend": c.ctx.Name, "status": resp.StatusCode})
	}
	return nil
}

func (c *mediaBrowser) systemInfo(ctx context.Context, force bool) (mbSystemInfo, error) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	if !force && c.infoID != "" {
		return mbSystemInfo{ID: c.infoID, Version: c.infoVer}, nil
	}

	var info mbSystemInfo
	if err := c.getJSON(ctx, "/System/Info", nil, &info); err != nil {
		return mbSystemInfo{}, err
	}
	c.infoID = info.ID
	c.infoVer = info.Version
	return info, nil
}

// Identifier returns the server id, fetching and caching it on first use.
func (c *mediaBrowser) Identifier(ctx context.Context, force bool) (string, error) {
	info, err := c.systemInfo(ctx, force)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Version returns the reported server version.
func (c *mediaBrowser) Version(ctx context.Context) (string, error) {
	info, err := c.systemInfo(ctx, false)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

// ListUsers returns the accounts visible to the configured token.
func (c *mediaBrowser) ListUsers(ctx context.Context) ([]User, error) {
	var raw []mbUser
	if err := c.getJSON(ctx, "/Users", nil, &raw); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(raw))
	for _, u := range raw {
		users = append(users, User{ID: u.ID, Name: u.Name, Admin: u.Policy.IsAdministrator})
	}
	return users, nil
}

// ListLibraries returns the user's views with supported types normalized.
func (c *mediaBrowser) ListLibraries(ctx context.Context) ([]Library, error) {
	var page mbViewsPage
	if err := c.getJSON(ctx, "/Users/"+c.ctx.UserID+"/Views", nil, &page); err != nil {
		return nil, err
	}

	libs := make([]Library, 0, len(page.Items))
	for _, v := range page.Items {
		lib := Library{ID: v.ID, Title: v.Name, Type: v.CollectionType}
		switch v.CollectionType {
		case "movies":
			lib.Type, lib.Supported = "movie", true
		case "tvshows":
			lib.Type, lib.Supported = "show", true
		}
		lib.Ignored = libraryIgnored(c.ctx.Options.IgnoreLibraries, v.ID, v.Name)
		libs = append(libs, lib)
	}
	return libs, nil
}

func libraryIgnored(ignore []string, id, title string) bool {
	for _, entry := range ignore {
		if entry == id || strings.EqualFold(entry, title) {
			return true
		}
	}
	return false
}

func (c *mediaBrowser) itemsQuery(libID string) url.Values {
	q := url.Values{}
	q.Set("parentId", libID)
	q.Set("recursive", "true")
	q.Set("includeItemTypes", "Movie,Episode")
	q.Set("fields", "ProviderIds,Path,DateCreated")
	q.Set("enableUserData", "true")
	q.Set("enableImages", "false")
	return q
}

// countItems asks for the library total with a zero-size page.
func (c *mediaBrowser) countItems(ctx context.Context, libID string) (int, error) {
	q := c.itemsQuery(libID)
	q.Set("limit", "0")
	var page mbPage
	if err := c.getJSON(ctx, "/Users/"+c.ctx.UserID+"/Items", q, &page); err != nil {
		return 0, err
	}
	return page.TotalRecordCount, nil
}

// seriesGuids builds the parent GUID cache for a show library: series remote
// id to its filtered external ids. Fetched in pages ahead of the episode
// segments so episode parsing never blocks on a lookup.
func (c *mediaBrowser) seriesGuids(ctx context.Context, libID string, pageSize int, log zerolog.Logger) (map[string]models.Guids, error) {
	out := make(map[string]models.Guids)
	for start := 0; ; start += pageSize {
		q := url.Values{}
		q.Set("parentId", libID)
		q.Set("recursive", "true")
		q.Set("includeItemTypes", "Series")
		q.Set("fields", "ProviderIds")
		q.Set("enableImages", "false")
		q.Set("startIndex", strconv.Itoa(start))
		q.Set("limit", strconv.Itoa(pageSize))

		var page mbPage
		if err := c.getJSON(ctx, "/Users/"+c.ctx.UserID+"/Items", q, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			var item mbItem
			if err := json.Unmarshal(raw, &item); err != nil {
				log.Warn().Err(err).Msg("Skipping unparseable series entry")
				continue
			}
			if g := models.FilterGuids(lowerKeys(item.ProviderIds), log); len(g) > 0 {
				out[item.ID] = g
			}
		}
		if start+len(page.Items) >= page.TotalRecordCount || len(page.Items) == 0 {
			break
		}
	}
	return out, nil
}

// lowerKeys normalizes MediaBrowser provider keys (Imdb, Tvdb, ...) into the
// lowercase GUID source alphabet.
func lowerKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Import lists libraries, admits supported non-ignored ones, primes the
// series GUID cache and enqueues one page request per segment.
func (c *mediaBrowser) Import(ctx context.Context, q *queue.Queue, h ItemHandler, opts ImportOpts) (int, error) {
	libs, err := c.ListLibraries(ctx)
	if err != nil {
		return 0, err
	}

	admitted := admitLibraries(libs, opts.Libraries, h)
	size := opts.SegmentSize
	if size <= 0 {
		size = c.ctx.Options.SegmentSize
	}
	if size <= 0 {
		size = 1000
	}

	for _, lib := range admitted {
		total, err := c.countItems(ctx, lib.ID)
		if err != nil {
			h.fail(fmt.Errorf("count library %q: %w", lib.Title, err))
			continue
		}

		var series map[string]models.Guids
		if lib.Type == "show" {
			series, err = c.seriesGuids(ctx, lib.ID, size, h.Log)
			if err != nil {
				h.fail(fmt.Errorf("series ids for library %q: %w", lib.Title, err))
				continue
			}
		}

		h.Log.Info().
			Str("library", lib.Title).
			Int("items", total).
			Int("segments", (total+size-1)/size).
			Msg("Importing library")

		for start := 0; start < total; start += size {
			pq := c.itemsQuery(lib.ID)
			pq.Set("startIndex", strconv.Itoa(start))
			pq.Set("limit", strconv.Itoa(size))

			lib := lib
			err := q.Submit(ctx, &queue.Request{
				Method: http.MethodGet,
				URL:    c.endpoint("/Users/"+c.ctx.UserID+"/Items", pq),
				Header: c.header(),
				Tag:    c.ctx.Name,
				OnSuccess: func(resp *http.Response) error {
					return c.parsePage(resp.Body, lib, series, opts, h)
				},
				OnError: func(err error) {
					h.fail(fmt.Errorf("library %q segment at %d: %w", lib.Title, start, err))
				},
			})
			if err != nil {
				return len(admitted), err
			}
		}
	}
	return len(admitted), nil
}

// admitLibraries filters the import run's library set and reports skips.
func admitLibraries(libs []Library, only []string, h ItemHandler) []Library {
	requested := make(map[string]bool, len(only))
	for _, id := range only {
		requested[id] = true
	}

	out := make([]Library, 0, len(libs))
	for _, lib := range libs {
		switch {
		case !lib.Supported:
			h.Log.Debug().Str("library", lib.Title).Str("type", lib.Type).
				Msg("Skipping unsupported library type")
		case lib.Ignored:
			h.Log.Info().Str("library", lib.Title).Msg("Skipping ignored library")
		case len(only) > 0 && !requested[lib.ID] && !requested[lib.Title]:
		default:
			out = append(out, lib)
		}
	}
	return out
}

// parsePage decodes one segment response item by item. A malformed entry
// drops that entry alone, never the page.
func (c *mediaBrowser) parsePage(r io.Reader, lib Library, series map[string]models.Guids, opts ImportOpts, h ItemHandler) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}
	metrics.ResponseSize.WithLabelValues(c.ctx.Name).Add(float64(len(raw)))

	var page mbPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Errorf("decode segment: %w", err)
	}

	for _, entry := range page.Items {
		var item mbItem
		if err := json.Unmarshal(entry, &item); err != nil {
			h.drop("malformed", err)
			continue
		}
		c.emit(item, lib.Title, series, opts, h)
	}
	return nil
}

// emit converts one wire item into canonical states. Files spanning an
// episode range produce one state per episode; only the first carries the
// remote id and external ids, the rest identify via the parent show.
func (c *mediaBrowser) emit(item mbItem, library string, series map[string]models.Guids, opts ImportOpts, h ItemHandler) {
	st, reason, err := c.itemState(item, library, series, h.Log)
	if st == nil {
		h.drop(reason, err)
		return
	}
	if opts.After != nil && st.Updated <= opts.After.Unix() {
		h.drop("cutoff", nil)
		return
	}
	h.state(st)

	if st.Type != models.TypeEpisode || item.IndexNumberEnd == nil {
		return
	}
	for ep := *item.IndexNumber + 1; ep <= *item.IndexNumberEnd; ep++ {
		extra := st.Clone()
		extra.Episode = ep
		extra.Guids = nil
		md := extra.Metadata[c.ctx.Name]
		md.ID = ""
		extra.Metadata[c.ctx.Name] = md
		if err := extra.Validate(); err != nil {
			h.drop("no_guids", err)
			continue
		}
		h.state(extra)
	}
}

// itemState builds the canonical state for one wire item. A nil state means
// the item was not admissible; the reason names the drop bucket.
func (c *mediaBrowser) itemState(item mbItem, library string, series map[string]models.Guids, log zerolog.Logger) (*models.State, string, error) {
	st := &models.State{
		Via:   c.ctx.Name,
		Title: item.Name,
		Year:  item.ProductionYear,
		Guids: models.FilterGuids(lowerKeys(item.ProviderIds), log),
	}

	switch item.Type {
	case "Movie":
		st.Type = models.TypeMovie
	case "Episode":
		st.Type = models.TypeEpisode
		if item.IndexNumber == nil {
			return nil, "malformed", fmt.Errorf("episode %q has no index number", item.Name)
		}
		st.Episode = *item.IndexNumber
		if item.ParentIndexNumber != nil {
			st.Season = *item.ParentIndexNumber
		}
		if item.SeriesName != "" {
			st.Title = item.SeriesName
		}
		st.Parent = series[item.SeriesID]
	default:
		return nil, "unsupported", fmt.Errorf("unsupported item type %q", item.Type)
	}

	md := models.Metadata{
		ID:      item.ID,
		Library: library,
		Path:    item.Path,
	}
	if !item.DateCreated.IsZero() {
		md.AddedAt = item.DateCreated.Unix()
	}

	if ud := item.UserData; ud != nil {
		st.Watched = ud.Played
		st.Progress = ud.PlaybackPositionTicks / ticksPerMillisecond
		md.Watched = ud.Played
		md.Progress = st.Progress
		if ud.Played && ud.LastPlayedDate != nil {
			md.PlayedAt = ud.LastPlayedDate.Unix()
		}
	}

	st.Updated = md.AddedAt
	if md.PlayedAt > 0 {
		st.Updated = md.PlayedAt
	}

	st.Metadata = map[string]models.Metadata{c.ctx.Name: md}

	if err := st.Validate(); err != nil {
		return nil, "malformed", err
	}
	return st, "", nil
}

// GetMetadata fetches a single item by remote id.
func (c *mediaBrowser) GetMetadata(ctx context.Context, remoteID string) (*models.State, error) {
	q := url.Values{}
	q.Set("fields", "ProviderIds,Path,DateCreated")

	var item mbItem
	if err := c.getJSON(ctx, "/Users/"+c.ctx.UserID+"/Items/"+remoteID, q, &item); err != nil {
		return nil, err
	}

	st, _, err := c.itemState(item, "", nil, c.ctx.Log)
	if st == nil {
		return nil, fmt.Errorf("item %s not admissible: %w", remoteID, err)
	}
	return st, nil
}

// SearchID is GetMetadata under the search surface.
func (c *mediaBrowser) SearchID(ctx context.Context, remoteID string) (*models.State, error) {
	return c.GetMetadata(ctx, remoteID)
}

// Search performs a title search limited to supported item types.
func (c *mediaBrowser) Search(ctx context.Context, query string, limit int) ([]*models.State, error) {
	if limit <= 0 {
		limit = 25
	}
	q := url.Values{}
	q.Set("searchTerm", query)
	q.Set("recursive", "true")
	q.Set("includeItemTypes", "Movie,Episode")
	q.Set("fields", "ProviderIds,Path,DateCreated")
	q.Set("enableUserData", "true")
	q.Set("limit", strconv.Itoa(limit))

	var page mbPage
	if err := c.getJSON(ctx, "/Users/"+c.ctx.UserID+"/Items", q, &page); err != nil {
		return nil, err
	}

	out := make([]*models.State, 0, len(page.Items))
	for _, raw := range page.Items {
		var item mbItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if st, _, _ := c.itemState(item, "", nil, c.ctx.Log); st != nil {
			out = append(out, st)
		}
	}
	return out, nil
}

// SearchGuids is unsupported on the shared API surface; Emby overrides it.
func (c *mediaBrowser) SearchGuids(ctx context.Context, guids models.Guids) (*models.State, error) {
	return nil, fmt.Errorf("search by external ids: %w", ErrNotImplemented)
}

// ParseWebhook and InspectRequest are vendor specific.
func (c *mediaBrowser) ParseWebhook(r *http.Request) (*models.State, error) {
	return nil, fmt.Errorf("webhook parsing: %w", ErrNotImplemented)
}

func (c *mediaBrowser) InspectRequest(r *http.Request) (RequestAttributes, error) {
	return RequestAttributes{}, fmt.Errorf("webhook inspection: %w", ErrNotImplemented)
}

// WithContext on the shared client exists for interface completeness; the
// vendor wrappers override it to preserve their concrete type.
func (c *mediaBrowser) WithContext(ctx Context) Client {
	return c.with(ctx)
}

// Push enqueues played/unplayed writes for states the decision table marks
// stale on this backend. States without a local remote id are resolved via
// SearchGuids when the vendor supports it, otherwise skipped.
func (c *mediaBrowser) Push(ctx context.Context, q *queue.Queue, states []*models.State) error {
	return c.push(ctx, q, states, c)
}

// push runs against the outermost Client so vendor SearchGuids overrides
// apply.
func (c *mediaBrowser) push(ctx context.Context, q *queue.Queue, states []*models.State, self Client) error {
	for _, st := range states {
		st := st
		action := DecidePush(st, c.ctx.Name)

		if action == PushSearch {
			found, err := self.SearchGuids(ctx, st.Guids)
			if err != nil || found == nil {
				c.ctx.Log.Debug().Str("item", st.Display()).
					Msg("Item not resolvable on backend, skipping push")
				continue
			}
			st = st.Clone()
			st.Metadata[c.ctx.Name] = found.Metadata[c.ctx.Name]
			action = DecidePush(st, c.ctx.Name)
		}

		var req *queue.Request
		switch action {
		case PushWatched:
			pq := url.Values{}
			pq.Set("datePlayed", time.Unix(st.Updated, 0).UTC().Format("20060102150405"))
			req = &queue.Request{
				Method: http.MethodPost,
				URL:    c.endpoint("/Users/"+c.ctx.UserID+"/PlayedItems/"+st.BackendID(c.ctx.Name), pq),
			}
		case PushUnwatched:
			req = &queue.Request{
				Method: http.MethodDelete,
				URL:    c.endpoint("/Users/"+c.ctx.UserID+"/PlayedItems/"+st.BackendID(c.ctx.Name), nil),
			}
		default:
			continue
		}

		req.Header = c.header()
		req.Tag = c.ctx.Name
		display := st.Display()
		watched := st.Watched
		req.OnSuccess = func(*http.Response) error {
			c.ctx.Log.Info().Str("item", display).Bool("watched", watched).
				Msg("Pushed play state")
			return nil
		}
		req.OnError = func(err error) {
			c.ctx.Log.Error().Err(err).Str("item", display).Msg("Play state push failed")
		}

		if err := q.Submit(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Progress enqueues play-position writes for the given states.
func (c *mediaBrowser) Progress(ctx context.Context, q *queue.Queue, states []*models.State) error {
	for _, st := range states {
		id := st.BackendID(c.ctx.Name)
		if id == "" || !st.HasPlayProgress() {
			continue
		}

		body, err := json.Marshal(map[string]any{
			"PlaybackPositionTicks": st.Progress * ticksPerMillisecond,
		})
		if err != nil {
			return fmt.Errorf("encode progress body: %w", err)
		}

		header := c.header()
		header.Set("Content-Type", "application/json")
		display := st.Display()
		progress := st.Progress

		err = q.Submit(ctx, &queue.Request{
			Method: http.MethodPost,
			URL:    c.endpoint(c.progressPath(id), nil),
			Header: header,
			Body:   body,
			Tag:    c.ctx.Name,
			OnSuccess: func(*http.Response) error {
				c.ctx.Log.Info().Str("item", display).Int64("progress_ms", progress).
					Msg("Pushed play progress")
				return nil
			},
			OnError: func(err error) {
				c.ctx.Log.Error().Err(err).Str("item", display).Msg("Play progress push failed")
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// progressPath returns the user-data update endpoint, which diverged between
// the two servers.
func (c *mediaBrowser) progressPath(remoteID string) string {
	if c.flavor == config.BackendJellyfin {
		return "/UserItems/" + remoteID + "/UserData"
	}
	return "/Users/" + c.ctx.UserID + "/Items/" + remoteID + "/UserData"
}

// readBody consumes a webhook body with a sane bound.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}
