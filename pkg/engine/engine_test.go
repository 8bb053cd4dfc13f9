package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"waterfeed/pkg/feed"
	"waterfeed/pkg/fetch"
	"waterfeed/pkg/utils/hash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 100, 100))))
	return buf.Bytes()
}

func startOrigin(t *testing.T, body []byte) *fasthttputil.InmemoryListener {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if strings.HasPrefix(string(ctx.Path()), "/img/") {
				ctx.SetContentType("image/png")
				ctx.SetBody(body)
				return
			}
			ctx.Error("not found", fasthttp.StatusNotFound)
		},
	}
	go server.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func originURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("http://origin.test/img/%d.png", i)
	}
	return urls
}

func writeConfig(t *testing.T, dir string, urls []string, extra string) string {
	t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, `log:
  toStdout: false
storage:
  path: %s
disk:
  path: %s
  budgetBytes: 4194304
network:
  workers: 4
layout:
  pageSize: 24
  columnCount: 3
  columnWidth: 100
  settleInterval: 1ms
  viewportHeight: 100
source:
  urls:
`, filepath.Join(dir, "storage"), filepath.Join(dir, "cache"))
	for _, u := range urls {
		fmt.Fprintf(&sb, "    - %s\n", u)
	}
	sb.WriteString(extra)

	path := filepath.Join(dir, "waterfeed.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func newTestEngine(t *testing.T, urls []string) *WaterfeedEngine {
	t.Helper()
	ln := startOrigin(t, testPNG(t))
	path := writeConfig(t, t.TempDir(), urls, "")

	engine, err := InstantiateWaterfeedEngine(path,
		WithFetcherOptions(fetch.WithDial(func(string) (net.Conn, error) { return ln.Dial() })))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func do(engine *WaterfeedEngine, method, uri string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	engine.Handler()(&ctx)
	return &ctx
}

func getSnapshot(t *testing.T, engine *WaterfeedEngine) feed.Snapshot {
	t.Helper()
	ctx := do(engine, fasthttp.MethodGet, "/feed")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var snap feed.Snapshot
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &snap))
	return snap
}

func TestEngine_ServesFeed(t *testing.T) {
	engine := newTestEngine(t, originURLs(6))
	engine.Start()

	var snap feed.Snapshot
	require.Eventually(t, func() bool {
		snap = getSnapshot(t, engine)
		placed := 0
		for _, item := range snap.Items {
			if item.Placed {
				placed++
			}
		}
		return placed == 6 && snap.Outstanding == 0
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []int{200, 200, 200}, snap.Columns)
	assert.Equal(t, 100, snap.Viewport.Height)
}

func TestEngine_ServesImageFromDurableCache(t *testing.T) {
	urls := originURLs(1)
	engine := newTestEngine(t, urls)

	report, err := engine.Warm(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Resolved)

	ctx := do(engine, fasthttp.MethodGet, "/image/"+hash.Fingerprint(urls[0]))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "image/png", string(ctx.Response.Header.ContentType()))
	assert.Equal(t, testPNG(t), ctx.Response.Body())

	ctx = do(engine, fasthttp.MethodGet, "/image/"+hash.Fingerprint("http://origin.test/none.png"))
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = do(engine, fasthttp.MethodGet, "/image/not-a-fingerprint")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestEngine_Viewport(t *testing.T) {
	engine := newTestEngine(t, originURLs(30))
	engine.Start()

	ctx := do(engine, fasthttp.MethodGet, "/viewport?offset=0&height=100")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())

	ctx = do(engine, fasthttp.MethodPost, "/viewport?offset=0")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = do(engine, fasthttp.MethodPost, "/viewport?offset=-5&height=100")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	require.Eventually(t, func() bool {
		s := getSnapshot(t, engine)
		return s.Loaded == 24 && s.Outstanding == 0
	}, 5*time.Second, 5*time.Millisecond)

	ctx = do(engine, fasthttp.MethodPost, "/viewport?offset=750&height=100")
	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())

	require.Eventually(t, func() bool {
		s := getSnapshot(t, engine)
		return s.Loaded == 30 && s.Viewport.Top == 750
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_HealthAndMetrics(t *testing.T) {
	engine := newTestEngine(t, originURLs(2))
	_, err := engine.Warm(context.Background())
	require.NoError(t, err)

	ctx := do(engine, fasthttp.MethodGet, "/healthz")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var report healthReport
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 2, report.MemoryEntries)
	assert.Positive(t, report.DurableBytes)

	ctx = do(engine, fasthttp.MethodGet, "/metrics")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	body := string(ctx.Response.Body())
	assert.Contains(t, body, `waterfeed_resolved_total{tier="network"} 2`)
	assert.Contains(t, body, "waterfeed_memory_entries 2")
	assert.Contains(t, body, "waterfeed_degraded 0")

	ctx = do(engine, fasthttp.MethodGet, "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestEngine_DegradesWhenDiskUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "cache")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	ln := startOrigin(t, testPNG(t))
	path := writeConfig(t, dir, originURLs(1), "")
	engine, err := InstantiateWaterfeedEngine(path,
		WithFetcherOptions(fetch.WithDial(func(string) (net.Conn, error) { return ln.Dial() })))
	require.NoError(t, err)
	defer engine.Close()

	report, err := engine.Warm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	ctx := do(engine, fasthttp.MethodGet, "/healthz")
	var health healthReport
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.NotEmpty(t, health.Reason)

	ctx = do(engine, fasthttp.MethodGet, "/image/"+hash.Fingerprint(originURLs(1)[0]))
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestEngine_WarmReportsFailures(t *testing.T) {
	urls := append(originURLs(2), "http://origin.test/missing.png")
	engine := newTestEngine(t, urls)

	report, err := engine.Warm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Resolved)
	assert.Equal(t, []string{"http://origin.test/missing.png"}, report.FailedURLs())
}

func TestEngine_ServeOverListener(t *testing.T) {
	engine := newTestEngine(t, originURLs(1))

	ln := fasthttputil.NewInmemoryListener()
	go engine.Serve(ln)
	defer ln.Close()

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	status, body, err := client.Get(nil, "http://waterfeed.test/healthz")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestStorePidAndReadPid(t *testing.T) {
	engine := newTestEngine(t, nil)
	require.NoError(t, engine.storePid())

	pid, err := readPid(engine.configPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestKillWaterfeed_MissingPidFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), nil, "")
	err := KillWaterfeed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read PID file")
}

func TestReadPid_InvalidContent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil, "")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "storage"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "storage", pidFileName), []byte("abc"), 0o644))

	_, err := readPid(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID content")
}
