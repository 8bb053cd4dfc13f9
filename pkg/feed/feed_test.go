package feed

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"waterfeed/pkg/cache"
	"waterfeed/pkg/cachemanager"
	"waterfeed/pkg/fetch"
	"waterfeed/pkg/imaging"
	"waterfeed/pkg/utils/hash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// originFetcher serves a 100x100 PNG for every URL not marked as failing.
// While a gate is set, fetches block until it is closed.
type originFetcher struct {
	body  []byte
	mu    sync.Mutex
	fails map[string]bool
	gate  chan struct{}
	calls atomic.Int32
}

func (o *originFetcher) Fetch(_ context.Context, url string, w io.Writer) error {
	o.calls.Add(1)
	o.mu.Lock()
	failing, gate := o.fails[url], o.gate
	o.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if failing {
		return &fetch.NetworkError{URL: url, StatusCode: 503}
	}
	_, err := w.Write(o.body)
	return err
}

func (o *originFetcher) hold() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = make(chan struct{})
	return o.gate
}

func (o *originFetcher) setFailing(url string, failing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails[url] = failing
}

// countingDurable counts reads reaching the durable tier.
type countingDurable struct {
	cachemanager.IDurableCache
	reads atomic.Int32
}

func (c *countingDurable) Read(key string) (cache.ReadHandle, bool, error) {
	c.reads.Add(1)
	return c.IDurableCache.Read(key)
}

// surfaceLog is only touched on the looper.
type surfaceLog struct {
	materialized map[int]int
	released     map[int]int
}

func (s *surfaceLog) Materialize(item Item, bitmap *imaging.Bitmap) {
	s.materialized[item.Index]++
}

func (s *surfaceLog) Placeholder(item Item) {
	s.released[item.Index]++
}

type feedEnv struct {
	origin  *originFetcher
	memory  *cache.MemoryCache
	disk    *cache.DiskCache
	durable *countingDurable
	surface *surfaceLog
	looper  *Looper
	feed    *Feed
}

func newFeedEnv(t *testing.T, urls []string) *feedEnv {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 100, 100))))

	disk, err := cache.OpenDiskCache(t.TempDir(), 1, 1<<22, nil)
	require.NoError(t, err)

	env := &feedEnv{
		origin:  &originFetcher{body: buf.Bytes(), fails: map[string]bool{}},
		memory:  cache.NewMemoryCache(1<<26, nil),
		disk:    disk,
		durable: &countingDurable{IDurableCache: disk},
		surface: &surfaceLog{materialized: map[int]int{}, released: map[int]int{}},
		looper:  NewLooper(nil),
	}
	caches := cachemanager.NewCacheManager(env.memory, env.durable, nil)
	coord := fetch.NewCoordinator(caches, env.origin, imaging.NewDecoder(), 4, fetch.WithPoster(env.looper))

	env.feed = New(urls, coord, env.surface, env.looper, Options{
		PageSize:       24,
		ColumnCount:    3,
		ColumnWidth:    100,
		SettleInterval: time.Millisecond,
	}, nil)

	t.Cleanup(func() {
		env.feed.Close()
		coord.Close()
		env.looper.Close()
		caches.Close()
	})
	return env
}

func (e *feedEnv) countMaterialized(index int) int {
	var n int
	e.looper.Call(func() { n = e.surface.materialized[index] })
	return n
}

func (e *feedEnv) countReleased(index int) int {
	var n int
	e.looper.Call(func() { n = e.surface.released[index] })
	return n
}

func (e *feedEnv) waitIdle(t *testing.T, placed int) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = e.feed.Snapshot()
		n := 0
		for _, item := range snap.Items {
			if item.Placed {
				n++
			}
		}
		return snap.Outstanding == 0 && n == placed
	}, 2*time.Second, 2*time.Millisecond)
	return snap
}

func itemsAt(snap Snapshot, top int) []ItemView {
	var out []ItemView
	for _, item := range snap.Items {
		if item.Placed && item.Top == top {
			out = append(out, item)
		}
	}
	return out
}

func TestFeed_FirstPageBalancesColumns(t *testing.T) {
	env := newFeedEnv(t, sourceURLs(6))
	env.feed.Start(100)

	snap := env.waitIdle(t, 6)
	assert.Equal(t, []int{200, 200, 200}, snap.Columns)
	assert.Equal(t, 6, snap.Loaded)
	assert.Equal(t, 6, snap.Total)

	top := itemsAt(snap, 0)
	require.Len(t, top, 3)
	for _, item := range top {
		assert.Equal(t, "materialized", item.State)
	}
	for _, item := range itemsAt(snap, 100) {
		assert.Equal(t, "placeholder", item.State)
	}
	assert.Equal(t, int32(6), env.origin.calls.Load())
}

func TestFeed_RevisitWithoutIO(t *testing.T) {
	env := newFeedEnv(t, sourceURLs(6))
	env.feed.Start(100)
	snap := env.waitIdle(t, 6)
	top := itemsAt(snap, 0)
	require.Len(t, top, 3)

	env.feed.Scroll(300, 100)
	require.Eventually(t, func() bool {
		return env.countReleased(top[0].Index) == 1
	}, 2*time.Second, 2*time.Millisecond)
	for _, item := range env.feed.Snapshot().Items {
		assert.Equal(t, "placeholder", item.State)
	}

	calls := env.origin.calls.Load()
	reads := env.durable.reads.Load()

	env.feed.Scroll(0, 100)
	require.Eventually(t, func() bool {
		for _, item := range top {
			if env.countMaterialized(item.Index) != 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, calls, env.origin.calls.Load(), "no network fetch on revisit")
	assert.Equal(t, reads, env.durable.reads.Load(), "no durable read on revisit")

	after := env.feed.Snapshot()
	for _, item := range itemsAt(after, 0) {
		assert.Equal(t, "materialized", item.State)
	}
	// spans never move once placed
	for i := range snap.Items {
		assert.Equal(t, snap.Items[i].Top, after.Items[i].Top)
		assert.Equal(t, snap.Items[i].Column, after.Items[i].Column)
	}
}

func TestFeed_ScrolledAwayBeforeFetchCompletes(t *testing.T) {
	env := newFeedEnv(t, sourceURLs(6))
	env.feed.Start(100)
	snap := env.waitIdle(t, 6)
	top := itemsAt(snap, 0)
	require.Len(t, top, 3)
	target := top[0]

	env.feed.Scroll(300, 100)
	require.Eventually(t, func() bool {
		return env.countReleased(target.Index) == 1
	}, 2*time.Second, 2*time.Millisecond)

	// force the next request for target back to the network
	env.memory.Remove(target.Fingerprint)
	require.NoError(t, env.disk.Remove(target.Fingerprint))
	gate := env.origin.hold()
	calls := env.origin.calls.Load()

	env.feed.Scroll(0, 100)
	require.Eventually(t, func() bool {
		return env.origin.calls.Load() == calls+1 && env.feed.Snapshot().Outstanding == 1
	}, 2*time.Second, 2*time.Millisecond)

	env.feed.Scroll(300, 100)
	require.Eventually(t, func() bool {
		return env.feed.Snapshot().Viewport.Top == 300
	}, 2*time.Second, 2*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool {
		return env.feed.Snapshot().Outstanding == 0
	}, 2*time.Second, 2*time.Millisecond)

	assert.True(t, env.memory.Contains(target.Fingerprint), "decoded bitmap is still cached")
	assert.True(t, env.disk.Contains(target.Fingerprint), "bytes are still persisted")
	assert.Equal(t, 1, env.countMaterialized(target.Index), "not shown after scrolling away")

	after := env.feed.Snapshot()
	view := after.Items[target.Index]
	assert.Equal(t, "placeholder", view.State)
	assert.True(t, view.Placed)
	assert.Equal(t, target.Top, view.Top)
}

func TestFeed_FailedItemRetriedOnSettle(t *testing.T) {
	urls := sourceURLs(3)
	env := newFeedEnv(t, urls)
	env.origin.setFailing(urls[1], true)

	env.feed.Start(100)
	snap := env.waitIdle(t, 2)
	assert.True(t, snap.Items[1].Failed)
	assert.False(t, snap.Items[1].Placed)

	env.origin.setFailing(urls[1], false)
	env.feed.Scroll(0, 100)

	snap = env.waitIdle(t, 3)
	assert.False(t, snap.Items[1].Failed)
	assert.Equal(t, "materialized", snap.Items[1].State)
}

func TestFeed_LoadsNextPageAtBottom(t *testing.T) {
	env := newFeedEnv(t, sourceURLs(30))
	env.feed.Start(100)

	snap := env.waitIdle(t, 24)
	assert.Equal(t, 24, snap.Loaded)
	assert.Equal(t, 800, snap.Columns[0])

	env.feed.Scroll(750, 100)
	snap = env.waitIdle(t, 30)
	assert.Equal(t, 30, snap.Loaded)
	assert.Equal(t, int32(30), env.origin.calls.Load())
}

func TestFeed_Select(t *testing.T) {
	urls := []string{"http://a/1.png", "http://a/2.png", "http://a/1.png"}
	env := newFeedEnv(t, urls)
	env.feed.Start(100)

	snap := env.waitIdle(t, 2)
	assert.Len(t, snap.Items, 2, "duplicates are dropped")

	url, ok := env.feed.Select(hash.Fingerprint("http://a/2.png"))
	assert.True(t, ok)
	assert.Equal(t, "http://a/2.png", url)

	_, ok = env.feed.Select(hash.Fingerprint("http://a/3.png"))
	assert.False(t, ok)
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "", "b", "a", "c", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, fmt.Sprint([]string{}), fmt.Sprint(dedupe(nil)))
}
