// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package logging

import (
	"errors"
	"testing"
)

func TestInterpolate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		ctx      map[string]any
		want     string
	}{
		{
			name:     "no placeholders",
			template: "plain message",
			ctx:      map[string]any{"key": "value"},
			want:     "plain message",
		},
		{
			name:     "single placeholder",
			template: "backend %(backend) unreachable",
			ctx:      map[string]any{"backend": "home_plex"},
			want:     "backend home_plex unreachable",
		},
		{
			name:     "multiple placeholders",
			template: "%(backend): %(items) items in %(library)",
			ctx:      map[string]any{"backend": "jf", "items": 42, "library": "Movies"},
			want:     "jf: 42 items in Movies",
		},
		{
			name:     "unknown key left in place",
			template: "value is %(missing)",
			ctx:      map[string]any{"other": 1},
			want:     "value is %(missing)",
		},
		{
			name:     "nil context",
			template: "value is %(missing)",
			ctx:      nil,
			want:     "value is %(missing)",
		},
		{
			name:     "error value",
			template: "failed: %(error)",
			ctx:      map[string]any{"error": errors.New("boom")},
			want:     "failed: boom",
		},
		{
			name:     "unterminated placeholder",
			template: "broken %(tail",
			ctx:      map[string]any{"tail": "x"},
			want:     "broken %(tail",
		},
		{
			name:     "repeated key",
			template: "%(name) and %(name)",
			ctx:      map[string]any{"name": "plex"},
			want:     "plex and plex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Interpolate(tt.template, tt.ctx)
			if got != tt.want {
				t.Errorf("Interpolate() = %q, want %q", got, tt.want)
			}
		})
	}
}
