// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// Slog returns an *slog.Logger that forwards records into l. Used by
// components whose libraries speak slog, notably the supervisor event hook.
func Slog(l zerolog.Logger) *slog.Logger {
	return slog.New(&slogBridge{log: l})
}

type slogBridge struct {
	log   zerolog.Logger
	attrs []slog.Attr
}

func (b *slogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return b.log.GetLevel() <= slogToZerolog(level)
}

func (b *slogBridge) Handle(_ context.Context, rec slog.Record) error {
	ev := b.log.WithLevel(slogToZerolog(rec.Level))
	for _, attr := range b.attrs {
		ev = ev.Interface(attr.Key, attr.Value.Any())
	}
	rec.Attrs(func(attr slog.Attr) bool {
		ev = ev.Interface(attr.Key, attr.Value.Any())
		return true
	})
	ev.Msg(rec.Message)
	return nil
}

func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(b.attrs)+len(attrs))
	merged = append(merged, b.attrs...)
	merged = append(merged, attrs...)
	return &slogBridge{log: b.log, attrs: merged}
}

func (b *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	return &slogBridge{log: b.log.With().Str("group", name).Logger(), attrs: b.attrs}
}

func slogToZerolog(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
