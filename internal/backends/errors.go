// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/logging"
)

// Sentinel conditions adapters report. Callers branch with errors.Is.
var (
	// ErrNotImplemented marks capabilities a vendor API cannot express.
	ErrNotImplemented = errors.New("not implemented by this backend")
	// ErrAuthFailed marks a rejected token (401/403).
	ErrAuthFailed = errors.New("backend authentication failed")
	// ErrVersionGate marks operations refused because the backend is too old.
	ErrVersionGate = errors.New("backend version too old for operation")
	// ErrNotFound marks an item or resource absent on the backend.
	ErrNotFound = errors.New("not found on backend")
	// ErrValidation marks a request or payload that failed validation.
	ErrValidation = errors.New("validation failed")
)

// Error is the structured error adapters return: a severity, a message
// template with deferred %(key) interpolation, and an optional HTTP status
// for webhook responses.
type Error struct {
	Level    zerolog.Level
	Message  string
	Context  map[string]any
	HTTPCode int
	Err      error
}

func (e *Error) Error() string {
	msg := logging.Interpolate(e.Message, e.Context)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Log emits the error at its own severity with the context map attached.
func (e *Error) Log(log zerolog.Logger) {
	ev := log.WithLevel(e.Level)
	for k, v := range e.Context {
		ev = ev.Interface(k, v)
	}
	ev.Msg(logging.Interpolate(e.Message, e.Context))
}

// StatusCode returns the HTTP status a webhook handler should answer with,
// or fallback when the error carries none.
func (e *Error) StatusCode(fallback int) int {
	if e.HTTPCode != 0 {
		return e.HTTPCode
	}
	return fallback
}

func newError(level zerolog.Level, err error, code int, msg string, ctx map[string]any) *Error {
	return &Error{Level: level, Message: msg, Context: ctx, HTTPCode: code, Err: err}
}
