// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/cache"
	"github.com/tomtom215/watchstate/internal/config"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"), zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open("", true, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// jellyfinFixture serves a tiny movie library in the MediaBrowser wire
// shape.
func jellyfinFixture(t *testing.T, played map[string]bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Users/u1/Views", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Items": []map[string]any{
				{"Id": "lib1", "Name": "Movies", "CollectionType": "movies"},
			},
		})
	})
	mux.HandleFunc("/Users/u1/Items", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit == 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"Items": []any{}, "TotalRecordCount": len(played)})
			return
		}
		items := make([]map[string]any, 0, len(played))
		i := 0
		for imdb, p := range played {
			i++
			items = append(items, map[string]any{
				"Id":             "item" + strconv.Itoa(i),
				"Name":           "Movie " + imdb,
				"Type":           "Movie",
				"ProductionYear": 2020,
				"ProviderIds":    map[string]string{"Imdb": imdb},
				"DateCreated":    "2024-01-01T00:00:00Z",
				"UserData":       map[string]any{"Played": p, "LastPlayedDate": "2024-03-01T00:00:00Z"},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Items": items, "TotalRecordCount": len(items)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(backends ...config.Backend) *config.Config {
	cfg := config.Default()
	cfg.Sync.Workers = 4
	cfg.Backends = backends
	return cfg
}

func TestImportRun(t *testing.T) {
	srv := jellyfinFixture(t, map[string]bool{
		"tt0000001": true,
		"tt0000002": false,
		"tt0000003": true,
	})

	cfg := testConfig(config.Backend{
		Name: "jf", Type: config.BackendJellyfin,
		URL: srv.URL, Token: "x", User: "u1",
		Import: config.ImportFlags{Enabled: true},
	})
	st := testStore(t)
	ca := testCache(t)

	p, err := New(cfg, st, ca, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	report, err := p.Import(context.Background(), ImportOpts{})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	br := report.Backends["jf"]
	if br == nil || br.Items != 3 || br.Libraries != 1 || br.HasErrors {
		t.Fatalf("backend report = %+v", br)
	}
	if report.Added != 3 {
		t.Errorf("Added = %d, want 3", report.Added)
	}

	found, err := st.FindByPointers(context.Background(), []string{"imdb://tt0000001"})
	if err != nil || len(found) != 1 {
		t.Fatalf("FindByPointers() = (%d, %v)", len(found), err)
	}
	if !found[0].Watched {
		t.Error("played item not imported as watched")
	}
}

// A second run after a successful one only considers changes past the
// watermark; an unchanged library shows up as cutoff drops.
func TestImportWatermark(t *testing.T) {
	srv := jellyfinFixture(t, map[string]bool{"tt0000001": true})

	cfg := testConfig(config.Backend{
		Name: "jf", Type: config.BackendJellyfin,
		URL: srv.URL, Token: "x", User: "u1",
		Import: config.ImportFlags{Enabled: true},
	})
	st := testStore(t)
	ca := testCache(t)
	p, err := New(cfg, st, ca, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Import(context.Background(), ImportOpts{}); err != nil {
		t.Fatalf("first Import() error = %v", err)
	}
	report, err := p.Import(context.Background(), ImportOpts{})
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}

	br := report.Backends["jf"]
	if br.Items != 0 || br.Dropped != 1 {
		t.Errorf("incremental run report = %+v, want everything dropped at cutoff", br)
	}

	// Full runs bypass the watermark.
	report, err = p.Import(context.Background(), ImportOpts{Full: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Backends["jf"].Items != 1 {
		t.Errorf("full run items = %d, want 1", report.Backends["jf"].Items)
	}
}

func TestImportMetadataOnlyMasksPlayState(t *testing.T) {
	srv := jellyfinFixture(t, map[string]bool{"tt0000009": true})

	cfg := testConfig(config.Backend{
		Name: "jf", Type: config.BackendJellyfin,
		URL: srv.URL, Token: "x", User: "u1",
		Import: config.ImportFlags{Enabled: true, MetadataOnly: true},
	})
	st := testStore(t)
	p, err := New(cfg, st, nil, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Import(context.Background(), ImportOpts{}); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	found, _ := st.FindByPointers(context.Background(), []string{"imdb://tt0000009"})
	if len(found) != 1 {
		t.Fatalf("got %d states", len(found))
	}
	if found[0].Watched || found[0].Updated != 0 {
		t.Errorf("metadata-only import leaked play state: watched=%v updated=%d",
			found[0].Watched, found[0].Updated)
	}
	if md := found[0].Metadata["jf"]; !md.Watched {
		t.Error("backend snapshot must keep the remote watched flag")
	}
}

func TestExportPushesStaleStates(t *testing.T) {
	var (
		mu    sync.Mutex
		posts []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/Users/u2/PlayedItems/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		posts = append(posts, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := testStore(t)
	ctx := context.Background()

	seed := []*models.State{
		{
			// Locally watched, remote stale: must push.
			Type: models.TypeMovie, Via: "plex", Title: "A",
			Guids: models.Guids{"imdb": "tt0000011"}, Watched: true, Updated: 200,
			Metadata: map[string]models.Metadata{
				"plex": {ID: "p1", Watched: true, PlayedAt: 200},
				"emby": {ID: "e1", Watched: false, PlayedAt: 100},
			},
		},
		{
			// Already in sync: must not push.
			Type: models.TypeMovie, Via: "plex", Title: "B",
			Guids: models.Guids{"imdb": "tt0000012"}, Watched: true, Updated: 200,
			Metadata: map[string]models.Metadata{
				"plex": {ID: "p2", Watched: true, PlayedAt: 200},
				"emby": {ID: "e2", Watched: true, PlayedAt: 200},
			},
		},
		{
			// Remote newer: must not push.
			Type: models.TypeMovie, Via: "plex", Title: "C",
			Guids: models.Guids{"imdb": "tt0000013"}, Watched: false, Updated: 100,
			Metadata: map[string]models.Metadata{
				"plex": {ID: "p3", PlayedAt: 100},
				"emby": {ID: "e3", Watched: true, PlayedAt: 300},
			},
		},
	}
	for _, s := range seed {
		if _, _, err := st.Upsert(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	cfg := testConfig(config.Backend{
		Name: "emby", Type: config.BackendEmby,
		URL: srv.URL, Token: "x", User: "u2",
		Export: config.ExportFlags{Enabled: true},
	})
	p, err := New(cfg, st, nil, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	report, err := p.Export(ctx, ExportOpts{Full: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(posts) != 1 || posts[0] != "POST /Users/u2/PlayedItems/e1" {
		t.Errorf("pushed calls = %v, want exactly the stale item", posts)
	}
	if br := report.Backends["emby"]; br == nil || br.Failed != 0 {
		t.Errorf("report = %+v", report.Backends)
	}
}

func TestBackupRestoreRoundtrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s := &models.State{
		Type: models.TypeMovie, Via: "plex", Title: "Arrival",
		Guids: models.Guids{"imdb": "tt2543164"}, Watched: true, Updated: 100,
		Metadata: map[string]models.Metadata{"plex": {ID: "1", Watched: true}},
	}
	if _, _, err := st.Upsert(ctx, s); err != nil {
		t.Fatal(err)
	}

	p, err := New(testConfig(), st, nil, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path, n, err := p.Backup(ctx, dir)
	if err != nil || n != 1 {
		t.Fatalf("Backup() = (%q, %d, %v)", path, n, err)
	}

	st2 := testStore(t)
	p2, err := New(testConfig(), st2, nil, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	restored, err := p2.Restore(ctx, path)
	if err != nil || restored != 1 {
		t.Fatalf("Restore() = (%d, %v)", restored, err)
	}

	found, _ := st2.FindByPointers(ctx, []string{"imdb://tt2543164"})
	if len(found) != 1 || !found[0].Watched {
		t.Errorf("restored state missing: %d", len(found))
	}
}

func TestLibraryInspection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Users/u1/Views", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Items": []map[string]any{
				{"Id": "lib1", "Name": "Movies", "CollectionType": "movies"},
			},
		})
	})
	items := []map[string]any{
		{
			// Healthy: external id, path matches title.
			"Id": "1", "Name": "Blade Runner", "Type": "Movie",
			"Path":        "/media/movies/Blade Runner (1982)/Blade.Runner.1982.mkv",
			"ProviderIds": map[string]string{"Imdb": "tt0083658"},
			"DateCreated": "2024-01-01T00:00:00Z",
		},
		{
			// No external ids at all.
			"Id": "2", "Name": "Home Video", "Type": "Movie",
			"Path":        "/media/movies/Home Video/home.mkv",
			"DateCreated": "2024-01-01T00:00:00Z",
		},
		{
			// Scanner matched the wrong entry: path shares no tokens.
			"Id": "3", "Name": "Citizen Kane", "Type": "Movie",
			"Path":        "/media/movies/Big Buck Bunny/bbb.mkv",
			"ProviderIds": map[string]string{"Imdb": "tt0033467"},
			"DateCreated": "2024-01-01T00:00:00Z",
		},
	}
	mux.HandleFunc("/Users/u1/Items", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit == 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"Items": []any{}, "TotalRecordCount": len(items)})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Items": items, "TotalRecordCount": len(items)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(config.Backend{
		Name: "jf", Type: config.BackendJellyfin,
		URL: srv.URL, Token: "x", User: "u1",
		Import: config.ImportFlags{Enabled: true},
	})
	p, err := New(cfg, testStore(t), nil, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}

	unmatched, err := p.Unmatched(context.Background(), "jf", nil)
	if err != nil {
		t.Fatalf("Unmatched() error = %v", err)
	}
	if len(unmatched) != 1 || unmatched[0].ID != "2" {
		t.Errorf("unmatched = %+v, want only the id-less item", unmatched)
	}

	mismatched, err := p.Mismatched(context.Background(), "jf", nil)
	if err != nil {
		t.Fatalf("Mismatched() error = %v", err)
	}
	if len(mismatched) != 1 || mismatched[0].ID != "3" {
		t.Errorf("mismatched = %+v, want only the wrongly matched item", mismatched)
	}

	if _, err := p.Unmatched(context.Background(), "nope", nil); err == nil {
		t.Error("Unmatched() accepted an unknown backend")
	}
}

func TestTitlePathScore(t *testing.T) {
	tests := []struct {
		title, path string
		low         bool
	}{
		{"Blade Runner", "/m/Blade Runner (1982)/Blade.Runner.mkv", false},
		{"The Thing", "/m/Thing (1982)/thing.mkv", false},
		{"Citizen Kane", "/m/Big Buck Bunny/bbb.mkv", true},
		{"", "/m/whatever/file.mkv", false},
	}
	for _, tt := range tests {
		got := titlePathScore(tt.title, tt.path)
		if tt.low && got >= 0.5 {
			t.Errorf("titlePathScore(%q, %q) = %.2f, want < 0.5", tt.title, tt.path, got)
		}
		if !tt.low && got < 0.5 {
			t.Errorf("titlePathScore(%q, %q) = %.2f, want >= 0.5", tt.title, tt.path, got)
		}
	}
}
