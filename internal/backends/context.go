// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

package backends

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomtom215/watchstate/internal/config"
)

// Context is the immutable identity an adapter operates under: which server,
// which credentials, which user. Cross-user or cross-server calls construct
// a new Context and rebind via Client.WithContext instead of mutating the
// adapter in place.
type Context struct {
	Name    string
	Type    config.BackendType
	BaseURL string
	Token   string
	UserID  string
	UUID    string
	Options config.Options

	HTTP *http.Client
	Log  zerolog.Logger
}

// ContextFrom builds a Context from a configured backend entry.
func ContextFrom(b config.Backend, client *http.Client, log zerolog.Logger) Context {
	return Context{
		Name:    b.Name,
		Type:    b.Type,
		BaseURL: strings.TrimRight(b.URL, "/"),
		Token:   b.Token,
		UserID:  b.User,
		UUID:    b.UUID,
		Options: b.Options,
		HTTP:    client,
		Log:     log.With().Str("backend", b.Name).Logger(),
	}
}

// WithUser returns a copy of the Context bound to another user id.
func (c Context) WithUser(userID string) Context {
	c.UserID = userID
	return c
}

// WithUUID returns a copy of the Context with the server identifier set.
func (c Context) WithUUID(uuid string) Context {
	c.UUID = uuid
	return c
}

// Validate checks the fields every adapter requires.
func (c Context) Validate() error {
	if c.Name == "" {
		return &Error{Level: zerolog.ErrorLevel, Message: "backend name is empty", Err: ErrValidation}
	}
	if c.BaseURL == "" {
		return &Error{Level: zerolog.ErrorLevel, Message: "backend URL is empty", Err: ErrValidation}
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return &Error{
			Level:   zerolog.ErrorLevel,
			Message: fmt.Sprintf("backend URL %q is invalid", c.BaseURL),
			Err:     ErrValidation,
		}
	}
	if c.Token == "" {
		return &Error{Level: zerolog.ErrorLevel, Message: "backend token is empty", Err: ErrValidation}
	}
	return nil
}
