// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/tomtom215/watchstate/internal/backends"
	"github.com/tomtom215/watchstate/internal/models"
	"github.com/tomtom215/watchstate/internal/queue"
)

// LibraryIssue is one item flagged by the library analysis commands.
type LibraryIssue struct {
	Backend string `json:"backend"`
	Library string `json:"library"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Path    string `json:"path,omitempty"`
	ID      string `json:"id"`
	Reason  string `json:"reason"`
}

// Unmatched lists items carrying no external ids at all. They sync only
// through their backend-local id and never match across servers.
func (p *Pipeline) Unmatched(ctx context.Context, backend string, libraries []string) ([]LibraryIssue, error) {
	return p.inspect(ctx, backend, libraries, func(st *models.State, md models.Metadata) *LibraryIssue {
		if st.HasGuids() || st.HasRelativeGuid() {
			return nil
		}
		return &LibraryIssue{Reason: "no external ids"}
	})
}

// Mismatched flags items whose file path does not resemble their title,
// the usual symptom of a scanner matching the wrong entry.
func (p *Pipeline) Mismatched(ctx context.Context, backend string, libraries []string) ([]LibraryIssue, error) {
	return p.inspect(ctx, backend, libraries, func(st *models.State, md models.Metadata) *LibraryIssue {
		if md.Path == "" {
			return nil
		}
		score := titlePathScore(st.Title, md.Path)
		if score >= 0.5 {
			return nil
		}
		return &LibraryIssue{Reason: fmt.Sprintf("path/title similarity %.2f", score)}
	})
}

// inspect runs a full metadata scan of one backend and applies check to
// every streamed item. Nothing is written to the store.
func (p *Pipeline) inspect(ctx context.Context, backend string, libraries []string,
	check func(*models.State, models.Metadata) *LibraryIssue) ([]LibraryIssue, error) {

	b, ok := p.cfg.GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	client, ok := p.clients[backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Sync.ImportTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		issues []LibraryIssue
		errs   []error
	)
	q := queue.New(p.client, p.queueConfig(), p.log)
	h := backends.ItemHandler{
		OnState: func(st *models.State) {
			md := st.Metadata[backend]
			issue := check(st, md)
			if issue == nil {
				return
			}
			issue.Backend = backend
			issue.Library = md.Library
			issue.Type = string(st.Type)
			issue.Title = st.Display()
			issue.Path = md.Path
			issue.ID = md.ID
			mu.Lock()
			issues = append(issues, *issue)
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
		Log: p.log,
	}

	if _, err := client.Import(ctx, q, h, backends.ImportOpts{
		Libraries:    libraries,
		MetadataOnly: true,
		SegmentSize:  p.cfg.SegmentSize(b),
	}); err != nil {
		q.Wait()
		return nil, err
	}
	q.Wait()

	if len(errs) > 0 {
		return issues, fmt.Errorf("library scan finished with %d failed requests: %w", len(errs), errs[0])
	}
	return issues, nil
}

// titlePathScore is the fraction of title tokens present in the item's
// directory or file name.
func titlePathScore(title, file string) float64 {
	tokens := tokenize(title)
	if len(tokens) == 0 {
		return 1
	}

	dir := strings.ToLower(path.Base(path.Dir(file)) + " " + path.Base(file))
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(dir, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		// Articles match almost any path and dilute nothing when absent.
		if f == "the" || f == "a" || f == "an" {
			continue
		}
		out = append(out, f)
	}
	return out
}
