// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package store persists canonical play states in an embedded sqlite
// database. GUID sets, parent pointers and per-backend snapshots live in
// JSON columns; secondary lookups use json_extract with expression indexes
// created per GUID source and per configured backend.
//
// Writes are serialized through a single-writer lane; reads run
// concurrently on the connection pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/tomtom215/watchstate/internal/metrics"
	"github.com/tomtom215/watchstate/internal/models"
)

// ErrNotFound is returned when a state id does not exist.
var ErrNotFound = errors.New("state not found")

// Store is the sqlite-backed state store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// writeMu serializes all writes; sqlite allows one writer at a time
	// and the busy handler is no substitute for ordering commits.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the store at path and applies the
// schema. Use ":memory:" only in tests with a single connection.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS state (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    type     TEXT    NOT NULL,
    via      TEXT    NOT NULL,
    title    TEXT,
    year     INTEGER,
    season   INTEGER NOT NULL DEFAULT 0,
    episode  INTEGER NOT NULL DEFAULT 0,
    watched  INTEGER NOT NULL DEFAULT 0,
    updated  INTEGER NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0,
    tainted  INTEGER NOT NULL DEFAULT 0,
    guids    TEXT,
    parent   TEXT,
    metadata TEXT,
    extra    TEXT
);
CREATE INDEX IF NOT EXISTS idx_state_type    ON state (type);
CREATE INDEX IF NOT EXISTS idx_state_updated ON state (updated);
`

// guidSources must stay in sync with the models GUID alphabet; each gets an
// expression index so pointer lookups do not scan.
var guidSources = []string{"imdb", "tvdb", "tmdb", "tvmaze", "tvrage", "anidb"}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, src := range guidSources {
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_state_guid_%s ON state (json_extract(guids, '$.%s')) WHERE json_extract(guids, '$.%s') IS NOT NULL`,
			src, src, src)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create guid index %s: %w", src, err)
		}
	}
	return nil
}

// EnsureBackendIndexes creates the expression indexes used for virtual GUID
// (backend://name:id) lookups of the configured backends.
func (s *Store) EnsureBackendIndexes(backends []string) error {
	for _, name := range backends {
		if !models.ValidBackendName(name) {
			return fmt.Errorf("invalid backend name %q", name)
		}
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_state_backend_%s ON state (json_extract(metadata, '$.%s.id')) WHERE json_extract(metadata, '$.%s.id') IS NOT NULL`,
			name, name, name)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create backend index %s: %w", name, err)
		}
	}
	return nil
}

const stateColumns = "id, type, via, title, year, season, episode, watched, updated, progress, tainted, guids, parent, metadata, extra"

func scanState(scan func(dest ...any) error) (*models.State, error) {
	var (
		st                            models.State
		title                         sql.NullString
		year                          sql.NullInt64
		guids, parent, metadata, extr sql.NullString
	)
	err := scan(&st.ID, &st.Type, &st.Via, &title, &year, &st.Season, &st.Episode,
		&st.Watched, &st.Updated, &st.Progress, &st.Tainted, &guids, &parent, &metadata, &extr)
	if err != nil {
		return nil, err
	}
	st.Title = title.String
	st.Year = int(year.Int64)

	for _, col := range []struct {
		raw  sql.NullString
		into any
	}{
		{guids, &st.Guids},
		{parent, &st.Parent},
		{metadata, &st.Metadata},
		{extr, &st.Extra},
	} {
		if !col.raw.Valid || col.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw.String), col.into); err != nil {
			return nil, fmt.Errorf("decode state %d json column: %w", st.ID, err)
		}
	}
	return &st, nil
}

func jsonColumn(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func stateArgs(st *models.State) ([]any, error) {
	guids, err := jsonColumn(st.Guids, len(st.Guids) == 0)
	if err != nil {
		return nil, err
	}
	parent, err := jsonColumn(st.Parent, len(st.Parent) == 0)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonColumn(st.Metadata, len(st.Metadata) == 0)
	if err != nil {
		return nil, err
	}
	extra, err := jsonColumn(st.Extra, len(st.Extra) == 0)
	if err != nil {
		return nil, err
	}
	return []any{
		st.Type, st.Via, nullIfEmpty(st.Title), nullIfZero(st.Year),
		st.Season, st.Episode, st.Watched, st.Updated, st.Progress, st.Tainted,
		guids, parent, metadata, extra,
	}, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

// Get returns the state with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*models.State, error) {
	defer observe("get")()
	row := s.db.QueryRowContext(ctx, "SELECT "+stateColumns+" FROM state WHERE id = ?", id)
	st, err := scanState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// FindByPointers returns states reachable via any of the given pointers
// (source://value, backend://name:id or relative://src://val:SxE).
func (s *Store) FindByPointers(ctx context.Context, pointers []string) ([]*models.State, error) {
	defer observe("find_by_pointers")()

	var (
		conds []string
		args  []any
	)
	for _, p := range pointers {
		cond, a, ok := pointerCondition(p)
		if !ok {
			s.log.Debug().Str("pointer", p).Msg("Skipping unparseable pointer")
			continue
		}
		conds = append(conds, cond)
		args = append(args, a...)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := "SELECT " + stateColumns + " FROM state WHERE " + strings.Join(conds, " OR ")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find by pointers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.State
	seen := make(map[int64]struct{})
	for rows.Next() {
		st, err := scanState(rows.Scan)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[st.ID]; dup {
			continue
		}
		seen[st.ID] = struct{}{}
		out = append(out, st)
	}
	return out, rows.Err()
}

// pointerCondition translates one pointer string into a WHERE clause.
func pointerCondition(p string) (string, []any, bool) {
	switch {
	case strings.HasPrefix(p, "relative://"):
		rest := strings.TrimPrefix(p, "relative://")
		src, rest, ok := strings.Cut(rest, "://")
		if !ok {
			return "", nil, false
		}
		val, pos, ok := cutLast(rest, ":")
		if !ok {
			return "", nil, false
		}
		var season, episode int
		if _, err := fmt.Sscanf(pos, "%dx%d", &season, &episode); err != nil {
			return "", nil, false
		}
		if !models.KnownSource(src) {
			return "", nil, false
		}
		return fmt.Sprintf("(json_extract(parent, '$.%s') = ? AND season = ? AND episode = ?)", src),
			[]any{val, season, episode}, true

	case strings.HasPrefix(p, "backend://"):
		rest := strings.TrimPrefix(p, "backend://")
		name, id, ok := strings.Cut(rest, ":")
		if !ok || !models.ValidBackendName(name) {
			return "", nil, false
		}
		return fmt.Sprintf("json_extract(metadata, '$.%s.id') = ?", name), []any{id}, true

	default:
		source, value, ok := strings.Cut(p, "://")
		if !ok || !models.KnownSource(source) {
			return "", nil, false
		}
		return fmt.Sprintf("json_extract(guids, '$.%s') = ?", source), []any{value}, true
	}
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// Upsert inserts the state when its ID is zero, otherwise updates the
// existing row. It returns the row id and whether a row was created.
func (s *Store) Upsert(ctx context.Context, st *models.State) (int64, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.upsert(ctx, s.db, st)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, ex execer, st *models.State) (int64, bool, error) {
	defer observe("upsert")()

	args, err := stateArgs(st)
	if err != nil {
		return 0, false, fmt.Errorf("encode state: %w", err)
	}

	if st.ID > 0 {
		res, err := ex.ExecContext(ctx, `UPDATE state SET
			type = ?, via = ?, title = ?, year = ?, season = ?, episode = ?,
			watched = ?, updated = ?, progress = ?, tainted = ?,
			guids = ?, parent = ?, metadata = ?, extra = ?
			WHERE id = ?`, append(args, st.ID)...)
		if err != nil {
			return 0, false, fmt.Errorf("update state %d: %w", st.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, false, ErrNotFound
		}
		return st.ID, false, nil
	}

	res, err := ex.ExecContext(ctx, `INSERT INTO state
		(type, via, title, year, season, episode, watched, updated, progress, tainted, guids, parent, metadata, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return 0, false, fmt.Errorf("insert state: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	st.ID = id
	return id, true, nil
}

// Delete removes the state with the given id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer observe("delete")()

	res, err := s.db.ExecContext(ctx, "DELETE FROM state WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete state %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored states and refreshes the store gauge.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM state").Scan(&n); err != nil {
		return 0, err
	}
	metrics.StoreStates.Set(float64(n))
	return n, nil
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
