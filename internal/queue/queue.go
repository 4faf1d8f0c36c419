// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package queue implements the bounded concurrent HTTP request pool shared
// by import and export runs. The queue is a library, not a daemon: an
// orchestrator constructs one per run, submits tagged requests, waits for
// the drain barrier and discards it.
//
// Workers apply per-request timeouts, retry transient failures (network,
// 5xx, 429) with exponential backoff and jitter, rate-limit per host and
// trip a per-tag circuit breaker. An auth failure (401/403) aborts every
// remaining request for that tag.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/watchstate/internal/logging"
	"github.com/tomtom215/watchstate/internal/metrics"
)

// ErrAuthAborted is delivered to requests skipped after an auth failure on
// the same tag.
var ErrAuthAborted = errors.New("backend auth failed, remaining requests aborted")

// ErrClosed is returned by Submit after Wait has begun.
var ErrClosed = errors.New("queue closed")

// Request is one HTTP action. OnSuccess receives the response with an open
// body; the queue closes the body afterwards. Exactly one of OnSuccess or
// OnError is invoked, in a worker goroutine.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Tag groups requests per backend for stats, breaker and abort scope.
	Tag string

	OnSuccess func(*http.Response) error
	OnError   func(error)
}

// Config tunes the pool.
type Config struct {
	// Workers is the pool size. Default 10.
	Workers int
	// Buffer is the submit channel capacity; a full channel applies
	// backpressure to Submit. Default 256.
	Buffer int
	// RequestTimeout bounds one attempt. Default 300s.
	RequestTimeout time.Duration
	// Grace is how long in-flight attempts may run after the run context
	// is canceled. Default 5s.
	Grace time.Duration
	// MaxAttempts per request, transient failures only. Default 3.
	MaxAttempts int
	// RetryBaseDelay seeds the exponential backoff. Default 1s.
	RetryBaseDelay time.Duration
	// HostRPS caps request starts per host. 0 disables limiting.
	HostRPS float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 300 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	return c
}

// Stats are the per-tag outcome counts returned by Wait.
type Stats struct {
	Queued    int
	Succeeded int
	Failed    int
	Aborted   int
}

type job struct {
	req *Request
	ctx context.Context
}

// Queue is the worker pool. Construct with New, feed with Submit, finish
// with Wait.
type Queue struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger

	jobs    chan job
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	stats    map[string]*Stats
	aborted  map[string]bool
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	limiters map[string]*rate.Limiter
}

// New creates a queue and starts its workers.
func New(client *http.Client, cfg Config, log zerolog.Logger) *Queue {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{}
	}

	q := &Queue{
		client:   client,
		cfg:      cfg,
		log:      log,
		jobs:     make(chan job, cfg.Buffer),
		stats:    make(map[string]*Stats),
		aborted:  make(map[string]bool),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		limiters: make(map[string]*rate.Limiter),
	}

	q.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues a request. It blocks when the channel is at capacity and
// fails once ctx is canceled or the queue is draining.
func (q *Queue) Submit(ctx context.Context, req *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tagStats(req.Tag).Queued++
	q.pending.Add(1)
	q.mu.Unlock()

	metrics.QueueDepth.Inc()

	select {
	case q.jobs <- job{req: req, ctx: ctx}:
		return nil
	case <-ctx.Done():
		q.finish(req.Tag, "aborted")
		if req.OnError != nil {
			req.OnError(ctx.Err())
		}
		return ctx.Err()
	}
}

// Wait blocks until every submitted request has completed, stops the
// workers and returns the per-tag stats. The queue is unusable afterwards.
func (q *Queue) Wait() map[string]Stats {
	q.pending.Wait()

	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	q.workers.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Stats, len(q.stats))
	for tag, s := range q.stats {
		out[tag] = *s
	}
	return out
}

func (q *Queue) tagStats(tag string) *Stats {
	s, ok := q.stats[tag]
	if !ok {
		s = &Stats{}
		q.stats[tag] = s
	}
	return s
}

func (q *Queue) finish(tag, outcome string) {
	metrics.QueueDepth.Dec()
	metrics.QueueRequests.WithLabelValues(tag, outcome).Inc()

	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.tagStats(tag)
	switch outcome {
	case "success":
		s.Succeeded++
	case "aborted":
		s.Aborted++
	default:
		s.Failed++
	}
	q.pending.Done()
}

func (q *Queue) isAborted(tag string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted[tag]
}

func (q *Queue) abortTag(tag string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted[tag] = true
}

func (q *Queue) breaker(tag string) *gobreaker.CircuitBreaker[*http.Response] {
	q.mu.Lock()
	defer q.mu.Unlock()
	cb, ok := q.breakers[tag]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name: tag,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 8
			},
			Timeout: 30 * time.Second,
		})
		q.breakers[tag] = cb
	}
	return cb
}

func (q *Queue) limiter(host string) *rate.Limiter {
	if q.cfg.HostRPS <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(q.cfg.HostRPS), int(q.cfg.HostRPS)+1)
		q.limiters[host] = l
	}
	return l
}

func (q *Queue) worker() {
	defer q.workers.Done()
	for j := range q.jobs {
		q.process(j)
	}
}

func (q *Queue) process(j job) {
	req := j.req

	if q.isAborted(req.Tag) {
		q.finish(req.Tag, "aborted")
		if req.OnError != nil {
			req.OnError(ErrAuthAborted)
		}
		return
	}

	if l := q.limiter(hostOf(req.URL)); l != nil {
		if err := l.Wait(j.ctx); err != nil {
			q.finish(req.Tag, "aborted")
			if req.OnError != nil {
				req.OnError(err)
			}
			return
		}
	}

	err := q.attempt(j)
	var cb callbackError
	switch {
	case err == nil:
		q.finish(req.Tag, "success")
	case errors.As(err, &cb):
		// OnSuccess already ran and failed; do not invoke OnError too.
		q.finish(req.Tag, "failed")
	case errors.Is(err, ErrAuthAborted):
		q.finish(req.Tag, "aborted")
		if req.OnError != nil {
			req.OnError(err)
		}
	default:
		q.finish(req.Tag, "failed")
		if req.OnError != nil {
			req.OnError(err)
		}
	}
}

// attempt runs the retry loop for one request.
func (q *Queue) attempt(j job) error {
	req := j.req
	delay := q.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if err := j.ctx.Err(); err != nil {
			return err
		}

		resp, err := q.do(j)
		if err == nil {
			cbErr := req.OnSuccess(resp)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if cbErr != nil {
				return callbackError{cbErr}
			}
			return nil
		}

		if !transient(err) {
			return err
		}
		lastErr = err

		if attempt < q.cfg.MaxAttempts {
			metrics.QueueRetries.WithLabelValues(req.Tag).Inc()
			q.log.Warn().Err(err).
				Str("backend", req.Tag).
				Str("url", req.URL).
				Int("attempt", attempt).
				Int("max_attempts", q.cfg.MaxAttempts).
				Dur("delay", delay).
				Msg("Retrying queue request")

			jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-time.After(delay + jitter):
			case <-j.ctx.Done():
				return j.ctx.Err()
			}
			delay *= 2
		}
	}
	return fmt.Errorf("max retry attempts reached: %w", lastErr)
}

// do performs a single HTTP attempt through the tag's circuit breaker.
func (q *Queue) do(j job) (*http.Response, error) {
	req := j.req

	ctx, cancel := graceContext(j.ctx, q.cfg.RequestTimeout, q.cfg.Grace)
	resp, err := q.breaker(req.Tag).Execute(func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, permanentError{err}
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}

		resp, err := q.client.Do(httpReq)
		if err != nil {
			return nil, transientError{err}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			return nil, authError{status: resp.StatusCode}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			drain(resp)
			return nil, transientError{fmt.Errorf("backend returned status %d", resp.StatusCode)}
		}
		return resp, nil
	})
	if err != nil {
		cancel()
		var auth authError
		if errors.As(err, &auth) {
			q.abortTag(req.Tag)
			q.log.Error().
				Str("backend", req.Tag).
				Int("status", auth.status).
				Msg(logging.Interpolate("Auth failed for %(backend), aborting its remaining requests",
					map[string]any{"backend": req.Tag}))
			return nil, fmt.Errorf("%w: status %d", ErrAuthAborted, auth.status)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, transientError{err}
		}
		return nil, err
	}

	// The response body must outlive the breaker call; cancel when the
	// caller is done reading.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// graceContext derives the attempt context: bounded by the request timeout,
// and shrunk to the grace window once the run context is canceled.
func graceContext(run context.Context, timeout, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(run), timeout)
	stop := context.AfterFunc(run, func() {
		time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

type authError struct{ status int }

func (e authError) Error() string { return fmt.Sprintf("auth failed with status %d", e.status) }

func transient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}
