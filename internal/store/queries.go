// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package store

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/watchstate/internal/models"
)

// Filter narrows Page results. Zero values mean "no constraint".
type Filter struct {
	Backend string           // states with a metadata entry for this backend
	Type    models.MediaType // movie / episode / show
	Title   string           // case-insensitive substring
	Watched *bool
}

// Sort orders Page results.
type Sort string

// Supported sort orders.
const (
	SortUpdatedDesc Sort = "updated_desc"
	SortUpdatedAsc  Sort = "updated_asc"
	SortTitle       Sort = "title"
)

// Page returns one page of states matching the filter plus the total match
// count.
func (s *Store) Page(ctx context.Context, f Filter, sort Sort, limit, offset int) ([]*models.State, int64, error) {
	defer observe("page")()

	var (
		conds []string
		args  []any
	)
	if f.Backend != "" && models.ValidBackendName(f.Backend) {
		conds = append(conds, fmt.Sprintf("json_extract(metadata, '$.%s.id') IS NOT NULL", f.Backend))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Title != "" {
		conds = append(conds, "title LIKE ? COLLATE NOCASE")
		args = append(args, "%"+f.Title+"%")
	}
	if f.Watched != nil {
		conds = append(conds, "watched = ?")
		args = append(args, *f.Watched)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM state"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count page: %w", err)
	}

	order := "updated DESC"
	switch sort {
	case SortUpdatedAsc:
		order = "updated ASC"
	case SortTitle:
		order = "title COLLATE NOCASE ASC"
	}
	if limit <= 0 {
		limit = 25
	}

	query := fmt.Sprintf("SELECT %s FROM state%s ORDER BY %s LIMIT ? OFFSET ?", stateColumns, where, order)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.State
	for rows.Next() {
		st, err := scanState(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, st)
	}
	return out, total, rows.Err()
}

// Parity returns states acknowledged by fewer than minMetadata backends.
func (s *Store) Parity(ctx context.Context, minMetadata int) ([]*models.State, error) {
	defer observe("parity")()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stateColumns+" FROM state WHERE (SELECT COUNT(*) FROM json_each(COALESCE(metadata, '{}'))) < ? ORDER BY updated DESC",
		minMetadata)
	if err != nil {
		return nil, fmt.Errorf("parity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.State
	for rows.Next() {
		st, err := scanState(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// IterSince streams every state with updated > since to fn in updated order.
// Iteration stops at the first error fn returns.
func (s *Store) IterSince(ctx context.Context, since int64, fn func(*models.State) error) error {
	defer observe("iter_since")()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stateColumns+" FROM state WHERE updated > ? ORDER BY updated ASC", since)
	if err != nil {
		return fmt.Errorf("iter since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		st, err := scanState(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Prune deletes states last updated before cutoff that no backend still
// reports (no metadata entries). Returns the number of deleted rows.
func (s *Store) Prune(ctx context.Context, cutoff int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer observe("prune")()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM state WHERE updated < ? AND (metadata IS NULL OR (SELECT COUNT(*) FROM json_each(metadata)) = 0)",
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// Commit runs fn inside a write transaction. The transaction exposes upserts
// through the returned Tx; it is the store's single-writer lane, so fn must
// not call back into other Store write methods.
func (s *Store) Commit(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer observe("commit")()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}

	tx := &Tx{store: s, tx: dbTx}
	if err := fn(tx); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Tx is a write transaction handed to Commit callbacks.
type Tx struct {
	store *Store
	tx    *sql.Tx
}

// Upsert behaves like Store.Upsert inside the transaction.
func (t *Tx) Upsert(ctx context.Context, st *models.State) (int64, bool, error) {
	return t.store.upsert(ctx, t.tx, st)
}

// Backup writes every state as line-delimited JSON to w.
func (s *Store) Backup(ctx context.Context, w io.Writer) (int64, error) {
	defer observe("backup")()

	bw := bufio.NewWriter(w)
	var n int64
	err := s.IterSince(ctx, -1, func(st *models.State) error {
		st.ID = 0 // ids are store-scoped and must not round-trip
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if _, err := bw.Write(raw); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// Restore loads line-delimited JSON states from r, inserting each as a new
// row. Returns the number of restored states.
func (s *Store) Restore(ctx context.Context, r io.Reader) (int64, error) {
	var n int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)

	err := s.Commit(ctx, func(tx *Tx) error {
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var st models.State
			if err := json.Unmarshal(line, &st); err != nil {
				return fmt.Errorf("restore line %d: %w", n+1, err)
			}
			st.ID = 0
			if _, _, err := tx.Upsert(ctx, &st); err != nil {
				return err
			}
			n++
		}
		return scanner.Err()
	})
	return n, err
}
