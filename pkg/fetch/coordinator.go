package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"waterfeed/pkg/cache"
	"waterfeed/pkg/cachemanager"
	"waterfeed/pkg/imaging"
	"waterfeed/pkg/metrics"
	"waterfeed/pkg/utils/hash"
	"waterfeed/pkg/utils/logger"
)

// Result is what every waiter of a request receives.
type Result struct {
	URL         string
	Fingerprint string
	Bitmap      *imaging.Bitmap
	Tier        string
	Err         error
}

// Callback receives a Result on the coordinator's Poster.
type Callback func(Result)

// Poster runs fn on the owner's serialization point. Post reports false
// when the owner no longer accepts work.
type Poster interface {
	Post(fn func()) bool
}

type inlinePoster struct{}

func (inlinePoster) Post(fn func()) bool {
	fn()
	return true
}

type inFlight struct {
	url     string
	width   int
	waiters []Callback
}

// Coordinator resolves URLs to decoded bitmaps through memory, then the
// durable tier, then the network. It keeps at most one fetch per
// fingerprint in flight and hands its result to every waiter.
type Coordinator struct {
	caches  *cachemanager.CacheManager
	fetcher Fetcher
	decoder imaging.Decoder
	pool    *Pool
	poster  Poster
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu       sync.Mutex
	inflight map[string]*inFlight
	closed   bool
}

type CoordinatorOption func(*Coordinator)

// WithPoster delivers callbacks through p instead of on the worker that
// resolved them.
func WithPoster(p Poster) CoordinatorOption {
	return func(c *Coordinator) {
		if p != nil {
			c.poster = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithLogger(l *logger.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCoordinator(caches *cachemanager.CacheManager, fetcher Fetcher, decoder imaging.Decoder, workers int, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		caches:   caches,
		fetcher:  fetcher,
		decoder:  decoder,
		pool:     NewPool(workers),
		poster:   inlinePoster{},
		logger:   logger.Nop(),
		inflight: make(map[string]*inFlight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request resolves url at targetWidth and calls onResult exactly once. A
// request for a fingerprint already in flight joins that fetch; its width
// is ignored and the first requester's decode is shared.
func (c *Coordinator) Request(url string, targetWidth int, onResult Callback) {
	key := hash.Fingerprint(url)

	if bmp, ok := c.caches.Memory().Get(key); ok {
		c.logger.Debug(fmt.Sprintf("Memory hit for %s", key))
		c.metrics.Resolved(metrics.TierMemory)
		c.deliver(onResult, Result{URL: url, Fingerprint: key, Bitmap: bmp, Tier: metrics.TierMemory})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deliver(onResult, Result{URL: url, Fingerprint: key, Err: ErrClosed})
		return
	}
	if f, ok := c.inflight[key]; ok {
		f.waiters = append(f.waiters, onResult)
		c.mu.Unlock()
		c.metrics.Deduplicated()
		c.logger.Debug(fmt.Sprintf("Joined in-flight fetch for %s", key))
		return
	}
	f := &inFlight{url: url, width: targetWidth, waiters: []Callback{onResult}}
	c.inflight[key] = f
	c.metrics.SetInFlight(len(c.inflight))
	// submitted under the lock so Close never races a late Submit
	c.pool.Submit(func(ctx context.Context) {
		c.resolve(ctx, key, f)
	})
	c.mu.Unlock()
}

// Fetch is Request for callers without an owner loop: it blocks until the
// result is ready or ctx is done.
func (c *Coordinator) Fetch(ctx context.Context, url string, targetWidth int) (*imaging.Bitmap, error) {
	done := make(chan Result, 1)
	c.Request(url, targetWidth, func(r Result) {
		done <- r
	})

	select {
	case r := <-done:
		return r.Bitmap, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outstanding is the number of fingerprints being fetched right now.
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Close rejects new requests and waits for running fetches. Fetches still
// queued for a worker fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.pool.Close()
}

func (c *Coordinator) resolve(ctx context.Context, key string, f *inFlight) {
	var (
		bmp  *imaging.Bitmap
		tier string
		err  error
	)
	if ctx.Err() != nil {
		err = ErrClosed
	} else {
		bmp, tier, err = c.load(ctx, key, f.url, f.width)
	}

	if err == nil {
		// another path may have stored the key first; keep one bitmap
		if !c.caches.Memory().Put(key, bmp) {
			if existing, ok := c.caches.Memory().Get(key); ok {
				bmp = existing
			}
		}
		c.metrics.Resolved(tier)
	} else {
		c.metrics.Failed(failureKind(err))
		c.logger.Warn(fmt.Sprintf("Fetch of %s failed: %v", f.url, err))
	}

	c.mu.Lock()
	waiters := f.waiters
	delete(c.inflight, key)
	c.metrics.SetInFlight(len(c.inflight))
	c.mu.Unlock()

	r := Result{URL: f.url, Fingerprint: key, Bitmap: bmp, Tier: tier, Err: err}
	for _, w := range waiters {
		c.deliver(w, r)
	}
}

// load walks the durable tier and the network. Without a durable tier the
// body is fetched into memory and decoded directly.
func (c *Coordinator) load(ctx context.Context, key, url string, width int) (*imaging.Bitmap, string, error) {
	durable, err := c.caches.Durable()
	if err != nil {
		var buf bytes.Buffer
		if err := c.fetcher.Fetch(ctx, url, &buf); err != nil {
			return nil, "", err
		}
		bmp, err := c.decoder.Decode(&buf, width)
		if err != nil {
			return nil, "", err
		}
		return bmp, metrics.TierNetwork, nil
	}

	bmp, found, err := c.readDurable(durable, key, width)
	if err != nil {
		return nil, "", err
	}
	if found {
		c.logger.Debug(fmt.Sprintf("Durable hit for %s", key))
		return bmp, metrics.TierDurable, nil
	}

	w, ok, err := durable.BeginWrite(key)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", &cache.CacheIOError{Op: "begin write", Key: key, Err: cache.ErrWritePending}
	}

	if err := c.fetcher.Fetch(ctx, url, w); err != nil {
		if aerr := durable.Abort(w); aerr != nil {
			c.logger.Error(fmt.Sprintf("Unable to abort write for %s: %v", key, aerr))
		}
		return nil, "", err
	}
	if err := durable.Commit(w); err != nil {
		return nil, "", err
	}
	if err := durable.Flush(); err != nil {
		c.logger.Error(fmt.Sprintf("Unable to flush durable cache after %s: %v", key, err))
	}

	bmp, found, err = c.readDurable(durable, key, width)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", &cache.CacheIOError{Op: "read", Key: key, Err: errors.New("entry missing right after commit")}
	}
	return bmp, metrics.TierNetwork, nil
}

// readDurable decodes the durable entry for key. Bytes that fail to decode
// are removed so the next request fetches them again.
func (c *Coordinator) readDurable(durable cachemanager.IDurableCache, key string, width int) (*imaging.Bitmap, bool, error) {
	var bmp *imaging.Bitmap
	found, err := cache.View(durable, key, func(r io.Reader, _ int64) error {
		var derr error
		bmp, derr = c.decoder.Decode(r, width)
		return derr
	})
	if err != nil && imaging.IsDecodeError(err) {
		if rerr := durable.Remove(key); rerr != nil {
			c.logger.Error(fmt.Sprintf("Unable to drop undecodable entry %s: %v", key, rerr))
		}
	}
	return bmp, found, err
}

func (c *Coordinator) deliver(cb Callback, r Result) {
	if cb == nil {
		return
	}
	if !c.poster.Post(func() { cb(r) }) {
		c.logger.Debug(fmt.Sprintf("Dropped result for %s: owner closed", r.Fingerprint))
	}
}

func failureKind(err error) string {
	switch {
	case IsNetworkError(err):
		return metrics.FailureNetwork
	case imaging.IsDecodeError(err):
		return metrics.FailureDecode
	case cache.IsCacheIOError(err):
		return metrics.FailureCacheIO
	default:
		return metrics.FailureOther
	}
}
