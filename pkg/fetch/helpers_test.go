package fetch

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"waterfeed/pkg/cache"
	"waterfeed/pkg/cachemanager"
	"waterfeed/pkg/imaging"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// fakeFetcher serves canned bodies and counts calls. When gate is set,
// every call blocks until it is closed.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	errs   map[string]error
	gate   chan struct{}
	calls  atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeFetcher) serve(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
	delete(f.errs, url)
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, w io.Writer) error {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	body, err := f.bodies[url], f.errs[url]
	f.mu.Unlock()

	if err != nil {
		// a partial body first, to prove abort discards it
		_, _ = w.Write([]byte("partial"))
		return err
	}
	if body == nil {
		return &NetworkError{URL: url, StatusCode: 404}
	}
	_, werr := w.Write(body)
	return werr
}

type testEnv struct {
	fetcher *fakeFetcher
	memory  *cache.MemoryCache
	disk    *cache.DiskCache
	caches  *cachemanager.CacheManager
	coord   *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	disk, err := cache.OpenDiskCache(t.TempDir(), 1, 1<<20, nil)
	require.NoError(t, err)

	env := &testEnv{
		fetcher: newFakeFetcher(),
		memory:  cache.NewMemoryCache(1<<24, nil),
		disk:    disk,
	}
	env.caches = cachemanager.NewCacheManager(env.memory, disk, nil)
	env.coord = NewCoordinator(env.caches, env.fetcher, imaging.NewDecoder(), 4)
	t.Cleanup(func() {
		env.coord.Close()
		env.caches.Close()
	})
	return env
}
