// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/cache"
	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/pipeline"
	"github.com/tomtom215/watchstate/internal/store"
)

type fixture struct {
	cfg     *config.Config
	store   *store.Store
	cache   *cache.Cache
	handler *Handler
	router  *chi.Mux
}

func newFixture(t *testing.T, backend config.Backend) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ca, err := cache.Open("", true, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = ca.Close() })

	cfg := config.Default()
	cfg.Backends = []config.Backend{backend}

	pl, err := pipeline.New(cfg, st, ca, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	h := NewHandler(cfg, pl, ca, zerolog.New(io.Discard))
	r := chi.NewRouter()
	r.Route("/v1/api", func(r chi.Router) { h.Routes(r) })

	return &fixture{cfg: cfg, store: st, cache: ca, handler: h, router: r}
}

func jellyfinBackend() config.Backend {
	return config.Backend{
		Name: "jf", Type: config.BackendJellyfin,
		URL: "http://jf.local", Token: "x", User: "u1", UUID: "srv1",
		Import: config.ImportFlags{Enabled: true},
	}
}

func jfBody(event, itemID string, played bool, ticks int64) string {
	return fmt.Sprintf(`{
		"Event": %q,
		"ServerId": "srv1",
		"ItemId": %q,
		"ItemType": "Movie",
		"Name": "Movie",
		"UserId": "u1",
		"Played": %v,
		"PlaybackPositionTicks": %d,
		"UtcTimestamp": "2024-05-01T12:00:00Z",
		"Provider_imdb": "tt0137523"
	}`, event, itemID, played, ticks)
}

func (f *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestWebhookUnknownBackend(t *testing.T) {
	f := newFixture(t, jellyfinBackend())
	w := f.post(t, "/v1/api/backends/nope/webhook", jfBody("PlaybackStop", "m1", true, 0))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":404`) {
		t.Errorf("body = %s, want structured error", w.Body.String())
	}
}

func TestWebhookUserMismatch(t *testing.T) {
	b := jellyfinBackend()
	b.Webhook.MatchUser = true
	f := newFixture(t, b)

	body := strings.Replace(jfBody("PlaybackStop", "m1", true, 0), `"UserId": "u1"`, `"UserId": "intruder"`, 1)
	if w := f.post(t, "/v1/api/backends/jf/webhook", body); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookServerMismatch(t *testing.T) {
	b := jellyfinBackend()
	b.Webhook.MatchUUID = true
	f := newFixture(t, b)

	body := strings.Replace(jfBody("PlaybackStop", "m1", true, 0), `"ServerId": "srv1"`, `"ServerId": "other"`, 1)
	w := f.post(t, "/v1/api/backends/jf/webhook", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "does not match backend uuid") {
		t.Errorf("body = %s", w.Body.String())
	}
	if n, _ := f.handler.requests.Len(); n != 0 {
		t.Errorf("rejected webhook buffered %d entries", n)
	}
}

func TestWebhookImportDisabled(t *testing.T) {
	b := jellyfinBackend()
	b.Import.Enabled = false
	f := newFixture(t, b)

	if w := f.post(t, "/v1/api/backends/jf/webhook", jfBody("PlaybackStop", "m1", true, 0)); w.Code != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", w.Code)
	}
}

// Metadata-only admits events even while import is off; the buffered state
// carries no play-state writes.
func TestWebhookMetadataOnlyWithImportDisabled(t *testing.T) {
	b := jellyfinBackend()
	b.Import.Enabled = false
	b.Import.MetadataOnly = true
	f := newFixture(t, b)

	w := f.post(t, "/v1/api/backends/jf/webhook", jfBody("PlaybackStop", "m1", true, 9_000_000_000))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var st models.State
	if err := f.handler.requests.Get("movie://m1:untainted@jf", &st); err != nil {
		t.Fatalf("requests bucket Get() error = %v", err)
	}
	if st.Watched || st.Progress != 0 || st.Updated != 0 || st.Tainted {
		t.Errorf("metadata-only event leaked play state: %+v", st)
	}
	if n, _ := f.handler.progress.Len(); n != 0 {
		t.Errorf("masked event buffered %d progress entries", n)
	}
}

// Play progress buffers regardless of taint; only the progress threshold
// and the watched flag gate it.
func TestWebhookUntaintedProgressBuffered(t *testing.T) {
	f := newFixture(t, jellyfinBackend())

	w := f.post(t, "/v1/api/backends/jf/webhook", jfBody("PlaybackStop", "m1", false, 9_000_000_000))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var st models.State
	if err := f.handler.progress.Get("movie://m1:untainted@jf", &st); err != nil {
		t.Fatalf("progress bucket Get() error = %v", err)
	}
	if st.Tainted || st.Progress != 900_000 {
		t.Errorf("buffered progress = tainted=%v %dms", st.Tainted, st.Progress)
	}
}

func TestWebhookNoGuidsIgnored(t *testing.T) {
	f := newFixture(t, jellyfinBackend())
	body := strings.Replace(jfBody("PlaybackStop", "m1", true, 0), `"Provider_imdb": "tt0137523"`, `"Provider_imdb": ""`, 1)
	if w := f.post(t, "/v1/api/backends/jf/webhook", body); w.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", w.Code)
	}
}

func TestWebhookBuffersEvent(t *testing.T) {
	f := newFixture(t, jellyfinBackend())

	w := f.post(t, "/v1/api/backends/jf/webhook", jfBody("PlaybackStop", "m1", true, 0))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Log-Response"); got != "0" {
		t.Errorf("X-Log-Response = %q, want %q", got, "0")
	}

	var st models.State
	if err := f.handler.requests.Get("movie://m1:untainted@jf", &st); err != nil {
		t.Fatalf("requests bucket Get() error = %v", err)
	}
	if !st.Watched || st.Via != "jf" {
		t.Errorf("buffered state = watched=%v via=%q", st.Watched, st.Via)
	}

	// Tainted progress lands in both buckets under the tainted key.
	w = f.post(t, "/v1/api/backends/jf/webhook", jfBody("PlaybackProgress", "m1", false, 9_000_000_000))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := f.handler.progress.Get("movie://m1:tainted@jf", &st); err != nil {
		t.Fatalf("progress bucket Get() error = %v", err)
	}
	if st.Progress != 900_000 {
		t.Errorf("buffered progress = %d ms", st.Progress)
	}
}

// A burst of deliveries for the same item collapses to the latest one.
func TestWebhookCoalesces(t *testing.T) {
	f := newFixture(t, jellyfinBackend())

	for _, ticks := range []int64{1_000_000_000, 2_000_000_000, 3_000_000_000} {
		body := strings.Replace(jfBody("PlaybackProgress", "m1", false, ticks),
			`"UtcTimestamp": "2024-05-01T12:00:00Z"`,
			fmt.Sprintf(`"UtcTimestamp": "2024-05-01T12:0%d:00Z"`, ticks/1_000_000_000), 1)
		if w := f.post(t, "/v1/api/backends/jf/webhook", body); w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	}

	n, err := f.handler.requests.Len()
	if err != nil || n != 1 {
		t.Fatalf("requests bucket Len() = (%d, %v), want 1 coalesced entry", n, err)
	}
	var st models.State
	if err := f.handler.requests.Get("movie://m1:tainted@jf", &st); err != nil {
		t.Fatal(err)
	}
	if st.Progress != 300_000 {
		t.Errorf("coalesced progress = %d ms, want the latest delivery", st.Progress)
	}
}

func TestDrainAppliesToStore(t *testing.T) {
	f := newFixture(t, jellyfinBackend())
	ctx := context.Background()

	if w := f.post(t, "/v1/api/backends/jf/webhook", jfBody("PlaybackStop", "m1", true, 0)); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	pl, err := pipeline.New(f.cfg, f.store, f.cache, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	d := NewDrainer(f.cfg, pl, f.store, f.cache, zerolog.New(io.Discard))

	n, err := d.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Drain() applied %d events, want 1", n)
	}

	found, err := f.store.FindByPointers(ctx, []string{"imdb://tt0137523"})
	if err != nil || len(found) != 1 {
		t.Fatalf("FindByPointers() = (%d, %v)", len(found), err)
	}
	if !found[0].Watched {
		t.Error("drained state not watched")
	}

	if left, _ := f.handler.requests.Len(); left != 0 {
		t.Errorf("requests bucket still has %d entries after drain", left)
	}
}

// Tainted progress events merge into the store without flipping watched.
func TestDrainTaintedKeepsWatched(t *testing.T) {
	f := newFixture(t, jellyfinBackend())
	ctx := context.Background()

	// Watched on disk from an earlier sync.
	seed := &models.State{
		Type: models.TypeMovie, Via: "jf", Title: "Movie",
		Guids: models.Guids{"imdb": "tt0137523"}, Watched: true, Updated: 100,
		Metadata: map[string]models.Metadata{"jf": {ID: "m1", Watched: true}},
	}
	if _, _, err := f.store.Upsert(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if w := f.post(t, "/v1/api/backends/jf/webhook", jfBody("PlaybackProgress", "m1", false, 9_000_000_000)); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	pl, _ := pipeline.New(f.cfg, f.store, f.cache, zerolog.New(io.Discard))
	d := NewDrainer(f.cfg, pl, f.store, f.cache, zerolog.New(io.Discard))
	if _, err := d.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	found, _ := f.store.FindByPointers(ctx, []string{"imdb://tt0137523"})
	if len(found) != 1 {
		t.Fatalf("got %d states", len(found))
	}
	if !found[0].Watched {
		t.Error("tainted progress drain flipped watched off")
	}
	if found[0].Progress != 900_000 {
		t.Errorf("progress not carried: %d", found[0].Progress)
	}
}
