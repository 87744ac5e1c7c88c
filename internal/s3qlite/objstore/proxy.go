// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/asch/s3qlite/internal/metrics"
	"github.com/asch/s3qlite/internal/retry"
)

// Proxy for the backend storage which prioritizes, throttles and retries
// requests. Requests coming to the priority channels are handled first. Like
// this requests from low priority operations like preload or sweep do not
// slow down normal operation.
type Proxy struct {
	Instance Store

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	policy  retry.Policy
	limiter *rate.Limiter
	timeout time.Duration

	// Internal channels.
	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Options to use in NewProxy() function due to high number of parameters.
type Options struct {
	Uploaders   int
	Downloaders int

	// Retry policy for transient errors. The Retryable predicate is
	// always replaced by IsTransient.
	Retry retry.Policy

	// Nil means unlimited.
	Limiter *rate.Limiter

	// Timeout of a single attempt. Zero means no timeout.
	Timeout time.Duration
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers.
func NewProxy(storeInstance Store, o Options) *Proxy {
	if o.Uploaders < 1 {
		o.Uploaders = 1
	}
	if o.Downloaders < 1 {
		o.Downloaders = 1
	}

	p := &Proxy{
		Instance:      storeInstance,
		uploaders:     o.Uploaders,
		downloaders:   o.Downloaders,
		policy:        o.Retry,
		limiter:       o.Limiter,
		timeout:       o.Timeout,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}
	p.policy.Retryable = IsTransient

	p.wg.Add(p.uploaders + p.downloaders)
	for i := 0; i < p.uploaders; i++ {
		go p.worker(p.uploadsPrio, p.uploads)
	}

	for i := 0; i < p.downloaders; i++ {
		go p.worker(p.downloadsPrio, p.downloads)
	}

	return p
}

// Close stops the workers. Requests submitted afterwards fail with
// ErrClosed.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// Downloaders returns the number of download workers, i.e. the useful
// parallelism of reads.
func (p *Proxy) Downloaders() int {
	return p.downloaders
}

func (p *Proxy) String() string {
	return p.Instance.String()
}

// Get downloads the whole object identified by key.
func (p *Proxy) Get(ctx context.Context, key string, prio bool) ([]byte, Attrs, error) {
	return p.GetRange(ctx, key, 0, -1, prio)
}

// GetRange downloads part of the object identified by key.
func (p *Proxy) GetRange(ctx context.Context, key string, offset, length int64, prio bool) ([]byte, Attrs, error) {
	var (
		data  []byte
		attrs Attrs
	)

	err := p.do(ctx, "get", p.pick(false, prio), func(ctx context.Context, attempt int) error {
		var err error
		data, attrs, err = p.Instance.GetRange(ctx, key, offset, length)
		return err
	})

	return data, attrs, err
}

// Head returns attributes of the object identified by key.
func (p *Proxy) Head(ctx context.Context, key string, prio bool) (Attrs, error) {
	var attrs Attrs

	err := p.do(ctx, "head", p.pick(false, prio), func(ctx context.Context, attempt int) error {
		var err error
		attrs, err = p.Instance.Head(ctx, key)
		return err
	})

	return attrs, err
}

// List returns attributes of all objects with prefix.
func (p *Proxy) List(ctx context.Context, prefix string, prio bool) ([]Attrs, error) {
	var list []Attrs

	err := p.do(ctx, "list", p.pick(false, prio), func(ctx context.Context, attempt int) error {
		var err error
		list, err = p.Instance.List(ctx, prefix)
		return err
	})

	return list, err
}

// Put uploads the whole object. A conditional put which failed ambiguously
// (e.g. the response was lost) may have been applied already, in which case
// the repeated attempt reports a conflict against our own write. That is
// detected by comparing the content of the current object with data.
func (p *Proxy) Put(ctx context.Context, key string, data []byte, expected string, prio bool) (Attrs, error) {
	var attrs Attrs
	sum := Sum(data)

	err := p.do(ctx, "put", p.pick(true, prio), func(ctx context.Context, attempt int) error {
		var err error
		attrs, err = p.Instance.Put(ctx, key, data, expected)
		if attempt == 1 || expected == Any || !errors.Is(err, ErrConflict) {
			return err
		}

		cur, herr := p.Instance.Head(ctx, key)
		if herr != nil || cur.MD5 != sum {
			return err
		}

		log.Debug().Str("key", key).Msg("Conditional put applied by an earlier attempt")
		attrs = cur

		return nil
	})

	return attrs, err
}

// PutWhole is Put with the name used by the page store.
func (p *Proxy) PutWhole(ctx context.Context, key string, data []byte, expected string) (Attrs, error) {
	return p.Put(ctx, key, data, expected, true)
}

// PutRange overwrites part of an object with data, extending it with zeros if
// needed. The object store has no partial writes, so this is a
// read-modify-write guarded by the version of the object read. A concurrent
// modification restarts the cycle. The VFS stores whole pages only and does
// not call it; it is here for tools editing objects in place.
func (p *Proxy) PutRange(ctx context.Context, key string, offset int64, data []byte, prio bool) (Attrs, error) {
	for {
		cur, attrs, err := p.Get(ctx, key, prio)
		expected := attrs.Version
		if errors.Is(err, ErrNotFound) {
			cur, expected = nil, Absent
		} else if err != nil {
			return Attrs{}, err
		}

		end := offset + int64(len(data))
		if int64(len(cur)) < end {
			grown := make([]byte, end)
			copy(grown, cur)
			cur = grown
		}
		copy(cur[offset:], data)

		attrs, err = p.Put(ctx, key, cur, expected, prio)
		if !errors.Is(err, ErrConflict) {
			return attrs, err
		}

		if ctx.Err() != nil {
			return Attrs{}, ctx.Err()
		}
	}
}

// Delete removes the object. A delete repeated after an ambiguous failure
// finds the object missing, which counts as success.
func (p *Proxy) Delete(ctx context.Context, key string, expected string, prio bool) error {
	return p.do(ctx, "delete", p.pick(true, prio), func(ctx context.Context, attempt int) error {
		err := p.Instance.Delete(ctx, key, expected)
		if attempt > 1 && errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}

// Selects the right channel according to the direction and prio.
func (p *Proxy) pick(upload, prio bool) chan request {
	switch {
	case upload && prio:
		return p.uploadsPrio
	case upload:
		return p.uploads
	case prio:
		return p.downloadsPrio
	default:
		return p.downloads
	}
}

// Runs fn through the retry policy. Every attempt is passed to a worker and
// waits for its reply. Backoff sleeps happen in the calling goroutine so
// the workers stay busy with useful requests.
func (p *Proxy) do(ctx context.Context, op string, c chan request, fn func(ctx context.Context, attempt int) error) error {
	start := time.Now()
	defer func() {
		metrics.BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	policy := p.policy
	policy.OnRetry = func(attempt int, err error) {
		metrics.BackendRetries.WithLabelValues(op).Inc()
		log.Trace().Str("op", op).Int("attempt", attempt).Err(err).Msg("Retrying backend request")
	}

	err := policy.Do(ctx, func(attempt int) error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		return p.submit(ctx, c, func(ctx context.Context) error {
			return fn(ctx, attempt)
		})
	})

	metrics.BackendRequests.WithLabelValues(op, result(err)).Inc()

	return err
}

func (p *Proxy) submit(ctx context.Context, c chan request, fn func(ctx context.Context) error) error {
	r := request{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case c <- r:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}

	return <-r.done
}

// Generic function for prioritization used by both, uploader and downloader
// workers.
func (p *Proxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Worker executes requests until the proxy is closed.
func (p *Proxy) worker(prio chan request, normal chan request) {
	defer p.wg.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}

		ctx := r.ctx
		cancel := func() {}
		if p.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
		}

		r.done <- r.fn(ctx)
		cancel()
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
