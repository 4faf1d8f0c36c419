// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

func testPlex(t *testing.T) *Plex {
	t.Helper()
	p, err := NewPlex(Context{
		Name:    "home_plex",
		BaseURL: "http://plex",
		Token:   "x",
		UserID:  "1",
		HTTP:    http.DefaultClient,
		Log:     zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("NewPlex() error = %v", err)
	}
	return p
}

func multipartWebhook(t *testing.T, payload string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormField("payload")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	_ = w.Close()

	r := httptest.NewRequest(http.MethodPost, "/v1/api/webhook/home_plex", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())
	return r
}

func TestParsePlexWebhookScrobble(t *testing.T) {
	p := testPlex(t)
	payload := `{
		"event": "media.scrobble",
		"Account": {"id": 7, "title": "sam"},
		"Server": {"title": "den", "uuid": "abc123"},
		"Metadata": {
			"ratingKey": "550",
			"type": "movie",
			"title": "Fight Club",
			"year": 1999,
			"lastViewedAt": 1714565400,
			"addedAt": 1700000000,
			"viewCount": 1,
			"Guid": [
				{"id": "imdb://tt0137523"},
				{"id": "tmdb://550"}
			]
		}
	}`

	r := multipartWebhook(t, payload)
	attrs, err := p.InspectRequest(r)
	if err != nil {
		t.Fatalf("InspectRequest() error = %v", err)
	}
	if attrs.UserID != "7" || attrs.BackendID != "abc123" || attrs.Event != "media.scrobble" {
		t.Errorf("attrs = %+v", attrs)
	}

	st, err := p.ParseWebhook(r)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if !st.Watched || st.Tainted {
		t.Errorf("scrobble => watched untainted, got watched=%v tainted=%v", st.Watched, st.Tainted)
	}
	if st.Updated != 1714565400 {
		t.Errorf("Updated = %d, want lastViewedAt", st.Updated)
	}
	if st.Guids["imdb"] != "tt0137523" || st.Guids["tmdb"] != "550" {
		t.Errorf("Guids = %v", st.Guids)
	}
	if st.BackendID("home_plex") != "550" {
		t.Errorf("metadata id = %q", st.BackendID("home_plex"))
	}
}

func TestParsePlexWebhookTainted(t *testing.T) {
	p := testPlex(t)
	payload := `{
		"event": "media.pause",
		"Account": {"id": 7},
		"Server": {"uuid": "abc123"},
		"Metadata": {
			"ratingKey": "661",
			"type": "episode",
			"title": "The Winds of Winter",
			"grandparentTitle": "Game of Thrones",
			"grandparentRatingKey": "100",
			"parentIndex": 6,
			"index": 10,
			"viewOffset": 1500000,
			"Guid": [{"id": "tvdb://5668461"}]
		}
	}`

	st, err := p.ParseWebhook(multipartWebhook(t, payload))
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if !st.Tainted || st.Watched {
		t.Errorf("pause => tainted unwatched, got tainted=%v watched=%v", st.Tainted, st.Watched)
	}
	if st.Type != models.TypeEpisode || st.Season != 6 || st.Episode != 10 {
		t.Errorf("identity = %s S%dE%d", st.Type, st.Season, st.Episode)
	}
	if st.Title != "Game of Thrones" {
		t.Errorf("Title = %q, want show title", st.Title)
	}
	if st.Progress != 1500000 {
		t.Errorf("Progress = %d", st.Progress)
	}
}

func TestParsePlexWebhookPlainJSON(t *testing.T) {
	p := testPlex(t)
	body := `{
		"event": "library.new",
		"Account": {"id": 1},
		"Server": {"uuid": "abc123"},
		"Metadata": {
			"ratingKey": "900",
			"type": "movie",
			"title": "Dune",
			"year": 2021,
			"addedAt": 1714000000,
			"Guid": [{"id": "imdb://tt1160419"}]
		}
	}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	st, err := p.ParseWebhook(r)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if st.Watched || st.Tainted {
		t.Errorf("library.new => unwatched untainted, got %v/%v", st.Watched, st.Tainted)
	}
}

func TestPlexItemStateEpisode(t *testing.T) {
	p := testPlex(t)
	series := map[string]models.Guids{"100": {"tvdb": "121361"}}

	st, reason, err := p.itemState(plexItem{
		RatingKey:            "661",
		Type:                 "episode",
		Title:                "Winter Is Coming",
		GrandparentTitle:     "Game of Thrones",
		GrandparentRatingKey: "100",
		ParentIndex:          intPtr(1),
		Index:                intPtr(1),
		AddedAt:              1700000000,
		Guids:                []plexGuidRef{{ID: "imdb://tt1480055"}},
	}, "TV", series, zerolog.New(io.Discard))
	if st == nil {
		t.Fatalf("itemState() dropped as %q: %v", reason, err)
	}
	if st.Parent["tvdb"] != "121361" {
		t.Errorf("Parent = %v, want show cache entry", st.Parent)
	}
	if st.Updated != 1700000000 {
		t.Errorf("unwatched episode Updated = %d, want addedAt", st.Updated)
	}
}

func TestPlexItemStateLegacyGuid(t *testing.T) {
	p := testPlex(t)

	st, reason, err := p.itemState(plexItem{
		RatingKey: "10",
		Type:      "movie",
		Title:     "The Matrix",
		Year:      1999,
		AddedAt:   1600000000,
		Guid:      "com.plexapp.agents.imdb://tt0133093?lang=en",
	}, "Movies", nil, zerolog.New(io.Discard))
	if st == nil {
		t.Fatalf("itemState() dropped as %q: %v", reason, err)
	}
	if st.Guids["imdb"] != "tt0133093" {
		t.Errorf("legacy agent guid not extracted: %v", st.Guids)
	}
}

func TestParsePlexWebhookMissingPayload(t *testing.T) {
	p := testPlex(t)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("thumb", "ignored")
	_ = w.Close()

	r := httptest.NewRequest(http.MethodPost, "/", &buf)
	r.Header.Set("Content-Type", w.FormDataContentType())

	_, err := p.ParseWebhook(r)
	var be *Error
	if !errors.As(err, &be) || be.StatusCode(0) != http.StatusBadRequest {
		t.Fatalf("ParseWebhook() error = %v, want 400 backend error", err)
	}
}

func TestPlexPushScrobble(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.URL.Query().Get("identifier") != plexProvider || r.URL.Query().Get("key") != "p9" {
			t.Errorf("scrobble query = %s", r.URL.RawQuery)
		}
	}))
	defer srv.Close()

	p, err := NewPlex(Context{
		Name: "home_plex", BaseURL: srv.URL, Token: "x", UserID: "1",
		HTTP: srv.Client(), Log: zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}

	st := &models.State{
		Type: models.TypeMovie, Via: "jf", Title: "Dune",
		Guids: models.Guids{"imdb": "tt1160419"}, Watched: true, Updated: 300,
		Metadata: map[string]models.Metadata{
			"home_plex": {ID: "p9", PlayedAt: 100},
			"jf":        {ID: "j1", Watched: true, PlayedAt: 300},
		},
	}

	q := queue.New(srv.Client(), queue.Config{Workers: 2, RequestTimeout: 5 * time.Second}, zerolog.New(io.Discard))
	if err := p.Push(context.Background(), q, []*models.State{st}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "POST /:/scrobble" {
		t.Errorf("calls = %v, want exactly one POST to /:/scrobble", calls)
	}
}
