// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

func testContext(t *testing.T, srv *httptest.Server) Context {
	t.Helper()
	return Context{
		Name:    "home_jellyfin",
		Type:    config.BackendJellyfin,
		BaseURL: srv.URL,
		Token:   "secret",
		UserID:  "u1",
		HTTP:    srv.Client(),
		Log:     zerolog.New(io.Discard),
	}
}

func intPtr(n int) *int { return &n }

// TestImportSegmentation drives a full import of a 2350-item movie library
// and verifies the page arithmetic: exactly three segments at start indexes
// 0, 1000 and 2000, every item delivered exactly once.
func TestImportSegmentation(t *testing.T) {
	const total = 2350
	const segment = 1000

	var (
		mu       sync.Mutex
		segments []string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/Users/u1/Views", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Items": []map[string]any{
				{"Id": "lib1", "Name": "Movies", "CollectionType": "movies"},
				{"Id": "lib2", "Name": "Music", "CollectionType": "music"},
			},
		})
	})
	mux.HandleFunc("/Users/u1/Items", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))
		if limit == 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"Items": []any{}, "TotalRecordCount": total})
			return
		}

		mu.Lock()
		segments = append(segments, fmt.Sprintf("%d/%d", start, limit))
		mu.Unlock()

		items := make([]map[string]any, 0, limit)
		for i := start; i < start+limit && i < total; i++ {
			items = append(items, map[string]any{
				"Id":             fmt.Sprintf("item%d", i),
				"Name":           fmt.Sprintf("Movie %d", i),
				"Type":           "Movie",
				"ProductionYear": 2000,
				"ProviderIds":    map[string]string{"Imdb": fmt.Sprintf("tt%07d", i+1)},
				"DateCreated":    "2024-01-01T00:00:00Z",
				"UserData":       map[string]any{"Played": i%2 == 0},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Items": items, "TotalRecordCount": total})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jf, err := NewJellyfin(testContext(t, srv))
	if err != nil {
		t.Fatalf("NewJellyfin() error = %v", err)
	}

	var (
		smu    sync.Mutex
		seen   = make(map[string]bool)
		states int
	)
	h := ItemHandler{
		OnState: func(s *models.State) {
			smu.Lock()
			defer smu.Unlock()
			states++
			seen[s.BackendID("home_jellyfin")] = true
		},
		OnDrop:  func(reason string, err error) { t.Errorf("unexpected drop %q: %v", reason, err) },
		OnError: func(err error) { t.Errorf("unexpected import error: %v", err) },
		Log:     zerolog.New(io.Discard),
	}

	q := queue.New(srv.Client(), queue.Config{Workers: 4, RequestTimeout: 5 * time.Second}, zerolog.New(io.Discard))
	libs, err := jf.Import(context.Background(), q, h, ImportOpts{SegmentSize: segment})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	q.Wait()

	if libs != 1 {
		t.Errorf("admitted libraries = %d, want 1 (music library is unsupported)", libs)
	}

	sort.Strings(segments)
	want := []string{"0/1000", "1000/1000", "2000/1000"}
	if len(segments) != 3 || segments[0] != want[0] || segments[1] != want[1] || segments[2] != want[2] {
		t.Errorf("segments = %v, want %v", segments, want)
	}
	if states != total || len(seen) != total {
		t.Errorf("delivered %d states (%d unique), want %d", states, len(seen), total)
	}
}

func TestItemStateEpisode(t *testing.T) {
	c := newMediaBrowser(Context{Name: "jf", Log: zerolog.New(io.Discard)}, config.BackendJellyfin)
	played := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	series := map[string]models.Guids{
		"series1": {"tvdb": "371028"},
	}
	item := mbItem{
		ID:                "ep1",
		Name:              "Winter Is Coming",
		Type:              "Episode",
		IndexNumber:       intPtr(1),
		ParentIndexNumber: intPtr(1),
		SeriesID:          "series1",
		SeriesName:        "Game of Thrones",
		ProviderIds:       map[string]string{"Imdb": "tt1480055"},
		DateCreated:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UserData: &mbUserData{
			Played:                true,
			LastPlayedDate:        &played,
			PlaybackPositionTicks: 0,
		},
	}

	st, reason, err := c.itemState(item, "TV", series, zerolog.New(io.Discard))
	if st == nil {
		t.Fatalf("itemState() dropped as %q: %v", reason, err)
	}
	if st.Type != models.TypeEpisode || st.Season != 1 || st.Episode != 1 {
		t.Errorf("episode identity = %s S%dE%d", st.Type, st.Season, st.Episode)
	}
	if st.Title != "Game of Thrones" {
		t.Errorf("Title = %q, want series name", st.Title)
	}
	if st.Guids["imdb"] != "tt1480055" {
		t.Errorf("Guids = %v", st.Guids)
	}
	if st.Parent["tvdb"] != "371028" {
		t.Errorf("Parent = %v, want series cache entry", st.Parent)
	}
	if !st.Watched || st.Updated != played.Unix() {
		t.Errorf("watched/updated = %v/%d, want true/%d", st.Watched, st.Updated, played.Unix())
	}
	md := st.Metadata["jf"]
	if md.ID != "ep1" || md.Library != "TV" || md.PlayedAt != played.Unix() {
		t.Errorf("metadata = %+v", md)
	}
}

func TestItemStateDrops(t *testing.T) {
	c := newMediaBrowser(Context{Name: "jf", Log: zerolog.New(io.Discard)}, config.BackendJellyfin)

	tests := []struct {
		name   string
		item   mbItem
		reason string
	}{
		{
			name:   "unsupported type",
			item:   mbItem{ID: "a", Name: "Theme", Type: "Audio"},
			reason: "unsupported",
		},
		{
			name:   "episode without index",
			item:   mbItem{ID: "b", Name: "Ep", Type: "Episode", SeriesID: "s"},
			reason: "malformed",
		},
		{
			name:   "no identity at all",
			item:   mbItem{Name: "Ghost", Type: "Movie"},
			reason: "malformed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, reason, _ := c.itemState(tt.item, "", nil, zerolog.New(io.Discard))
			if st != nil || reason != tt.reason {
				t.Errorf("itemState() = (%v, %q), want drop %q", st, reason, tt.reason)
			}
		})
	}
}

// A file covering a range of episodes yields one state per episode; only the
// first carries the remote id and external ids.
func TestEmitEpisodeRange(t *testing.T) {
	c := newMediaBrowser(Context{Name: "jf", Log: zerolog.New(io.Discard)}, config.BackendJellyfin)
	series := map[string]models.Guids{"s1": {"tvdb": "81189"}}

	item := mbItem{
		ID:                "multi1",
		Name:              "Pilot",
		Type:              "Episode",
		IndexNumber:       intPtr(1),
		IndexNumberEnd:    intPtr(3),
		ParentIndexNumber: intPtr(1),
		SeriesID:          "s1",
		SeriesName:        "Breaking Bad",
		ProviderIds:       map[string]string{"Tvdb": "349232"},
		DateCreated:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UserData:          &mbUserData{},
	}

	var got []*models.State
	h := ItemHandler{
		OnState: func(s *models.State) { got = append(got, s) },
		OnDrop:  func(reason string, err error) { t.Errorf("unexpected drop %q: %v", reason, err) },
		Log:     zerolog.New(io.Discard),
	}
	c.emit(item, "TV", series, ImportOpts{}, h)

	if len(got) != 3 {
		t.Fatalf("emitted %d states, want 3", len(got))
	}
	for i, st := range got {
		if st.Episode != i+1 {
			t.Errorf("state %d episode = %d, want %d", i, st.Episode, i+1)
		}
		if st.Parent["tvdb"] != "81189" {
			t.Errorf("state %d lost parent guids", i)
		}
	}
	if got[0].BackendID("jf") != "multi1" || len(got[0].Guids) == 0 {
		t.Errorf("first episode must keep remote id and guids: %+v", got[0])
	}
	for _, st := range got[1:] {
		if st.BackendID("jf") != "" || len(st.Guids) != 0 {
			t.Errorf("range continuation must identify via parent only: %+v", st)
		}
	}
}

func TestImportCutoff(t *testing.T) {
	c := newMediaBrowser(Context{Name: "jf", Log: zerolog.New(io.Discard)}, config.BackendJellyfin)
	after := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	item := mbItem{
		ID:             "old",
		Name:           "Old Movie",
		Type:           "Movie",
		ProductionYear: 1999,
		ProviderIds:    map[string]string{"Imdb": "tt0133093"},
		DateCreated:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UserData:       &mbUserData{},
	}

	var dropped string
	h := ItemHandler{
		OnState: func(*models.State) { t.Error("stale item must not be emitted") },
		OnDrop:  func(reason string, err error) { dropped = reason },
		Log:     zerolog.New(io.Discard),
	}
	c.emit(item, "Movies", nil, ImportOpts{After: &after}, h)

	if dropped != "cutoff" {
		t.Errorf("drop reason = %q, want cutoff", dropped)
	}
}

func TestParseJellyfinWebhook(t *testing.T) {
	jf, err := NewJellyfin(Context{
		Name: "home_jellyfin", BaseURL: "http://jf", Token: "x", UserID: "u1",
		HTTP: http.DefaultClient, Log: zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}

	body := `{
		"Event": "PlaybackProgress",
		"ServerId": "srv1",
		"ItemId": "ep9",
		"ItemType": "Episode",
		"Name": "Ozymandias",
		"SeriesName": "Breaking Bad",
		"SeasonNumber": 5,
		"EpisodeNumber": 14,
		"UserId": "u1",
		"Played": false,
		"PlaybackPositionTicks": 12000000000,
		"UtcTimestamp": "2024-05-01T12:00:00Z",
		"Provider_imdb": "tt2301451",
		"Provider_tvdb": "4653110"
	}`

	r := httptest.NewRequest(http.MethodPost, "/v1/api/webhook/home_jellyfin", strings.NewReader(body))
	attrs, err := jf.InspectRequest(r)
	if err != nil {
		t.Fatalf("InspectRequest() error = %v", err)
	}
	if attrs.UserID != "u1" || attrs.BackendID != "srv1" || attrs.Event != "PlaybackProgress" {
		t.Errorf("attrs = %+v", attrs)
	}

	// The handler replays the body between inspection and parsing.
	st, err := jf.ParseWebhook(r)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if !st.Tainted {
		t.Error("PlaybackProgress must produce a tainted state")
	}
	if st.Type != models.TypeEpisode || st.Season != 5 || st.Episode != 14 {
		t.Errorf("identity = %s S%dE%d", st.Type, st.Season, st.Episode)
	}
	if st.Guids["imdb"] != "tt2301451" || st.Guids["tvdb"] != "4653110" {
		t.Errorf("Guids = %v", st.Guids)
	}
	if st.Progress != 1_200_000 {
		t.Errorf("Progress = %d ms, want 1200000", st.Progress)
	}
	if st.Watched {
		t.Error("tainted progress event must not set watched")
	}
	if st.BackendID("home_jellyfin") != "ep9" {
		t.Errorf("metadata id = %q", st.BackendID("home_jellyfin"))
	}
	if st.Extra["home_jellyfin"].Event != "PlaybackProgress" {
		t.Errorf("extra = %+v", st.Extra)
	}
}

func TestParseJellyfinWebhookNoGuids(t *testing.T) {
	jf, _ := NewJellyfin(Context{
		Name: "jf", BaseURL: "http://jf", Token: "x", UserID: "u1",
		HTTP: http.DefaultClient, Log: zerolog.New(io.Discard),
	})

	body := `{"Event":"UserDataSaved","ItemId":"m1","ItemType":"Movie","Name":"Home Video","Played":true}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	_, err := jf.ParseWebhook(r)
	var be *Error
	if !errors.As(err, &be) || be.StatusCode(0) != http.StatusNotModified {
		t.Fatalf("ParseWebhook() error = %v, want 304 backend error", err)
	}
}

func TestParseEmbyWebhook(t *testing.T) {
	emby, err := NewEmby(Context{
		Name: "home_emby", BaseURL: "http://emby", Token: "x", UserID: "u2",
		HTTP: http.DefaultClient, Log: zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}

	body := `{
		"Event": "item.markplayed",
		"Date": "2024-05-02T08:30:00Z",
		"User": {"Id": "u2", "Name": "kate"},
		"Server": {"Id": "embysrv"},
		"Item": {
			"Id": "m42",
			"Name": "Heat",
			"Type": "Movie",
			"ProductionYear": 1995,
			"ProviderIds": {"Imdb": "tt0113277", "Tmdb": "949"}
		}
	}`

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	attrs, err := emby.InspectRequest(r)
	if err != nil {
		t.Fatalf("InspectRequest() error = %v", err)
	}
	if attrs.UserID != "u2" || attrs.BackendID != "embysrv" || attrs.Event != "item.markplayed" {
		t.Errorf("attrs = %+v", attrs)
	}

	st, err := emby.ParseWebhook(r)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if !st.Watched || st.Tainted {
		t.Errorf("markplayed => watched untainted, got watched=%v tainted=%v", st.Watched, st.Tainted)
	}
	if st.Updated != time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC).Unix() {
		t.Errorf("Updated = %d", st.Updated)
	}
	if st.Guids["imdb"] != "tt0113277" || st.Guids["tmdb"] != "949" {
		t.Errorf("Guids = %v", st.Guids)
	}
	if md := st.Metadata["home_emby"]; md.ID != "m42" || !md.Watched {
		t.Errorf("metadata = %+v", md)
	}
}

func TestParseEmbyWebhookTainted(t *testing.T) {
	emby, _ := NewEmby(Context{
		Name: "emby", BaseURL: "http://emby", Token: "x", UserID: "u1",
		HTTP: http.DefaultClient, Log: zerolog.New(io.Discard),
	})

	body := `{
		"Event": "playback.pause",
		"User": {"Id": "u1"},
		"Server": {"Id": "s"},
		"Item": {"Id": "m1", "Name": "Alien", "Type": "Movie", "ProviderIds": {"Imdb": "tt0078748"}},
		"PlaybackInfo": {"PositionTicks": 36000000000}
	}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	st, err := emby.ParseWebhook(r)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if !st.Tainted || st.Watched {
		t.Errorf("pause => tainted unwatched, got tainted=%v watched=%v", st.Tainted, st.Watched)
	}
	if st.Progress != 3_600_000 {
		t.Errorf("Progress = %d ms", st.Progress)
	}
}
