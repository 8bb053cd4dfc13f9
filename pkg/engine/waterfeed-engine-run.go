package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"waterfeed/pkg/cache"
	"waterfeed/pkg/utils/fs"
	"waterfeed/pkg/utils/hash"

	"github.com/valyala/fasthttp"
	"go.uber.org/multierr"
)

const pidFileName = "waterfeed.pid"

// Start loads the first page for the configured viewport height.
func (engine *WaterfeedEngine) Start() {
	engine.feed.Start(engine.config.Layout.ViewportHeight)
}

// Run serves the HTTP surface on the configured port until SIGINT or
// SIGTERM, then shuts everything down.
func (engine *WaterfeedEngine) Run() error {
	addr := fmt.Sprintf(":%d", engine.config.Server.Port)
	engine.logger.Info(fmt.Sprintf("Waterfeed engine starting on %s...", addr))

	if err := engine.storePid(); err != nil {
		return err
	}
	engine.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- engine.server.ListenAndServe(addr)
	}()

	var err error
	select {
	case <-stop:
		engine.logger.Info("Shutting down server...")
		if serr := engine.server.Shutdown(); serr != nil {
			engine.logger.Error(fmt.Sprintf("Server shutdown error: %v", serr))
		}
	case err = <-serveErr:
		engine.logger.Error(fmt.Sprintf("Fatal server error: %v", err))
	}

	if cerr := engine.cleanup(); cerr != nil {
		engine.logger.Error(fmt.Sprintf("Cleanup error: %v", cerr))
		err = multierr.Append(err, cerr)
	}
	return err
}

// Serve serves the HTTP surface on ln until the listener is closed.
func (engine *WaterfeedEngine) Serve(ln net.Listener) error {
	return engine.server.Serve(ln)
}

// Close releases every component without touching the pid file.
func (engine *WaterfeedEngine) Close() error {
	err := engine.shutdownPipeline()
	return multierr.Append(err, engine.logger.Close())
}

// Handler routes the HTTP surface.
func (engine *WaterfeedEngine) Handler() fasthttp.RequestHandler {
	metricsHandler := engine.metrics.Handler()

	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		engine.logger.Debug(fmt.Sprintf("Incoming request - Method: %s, Path: %s", ctx.Method(), path))

		switch {
		case path == "/viewport":
			engine.handleViewport(ctx)
		case path == "/feed":
			engine.handleFeed(ctx)
		case strings.HasPrefix(path, "/image/"):
			engine.handleImage(ctx, strings.TrimPrefix(path, "/image/"))
		case path == "/healthz":
			engine.handleHealth(ctx)
		case path == "/metrics":
			metricsHandler(ctx)
		default:
			ctx.Error("Not Found", fasthttp.StatusNotFound)
		}
	}
}

func (engine *WaterfeedEngine) handleViewport(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	args := ctx.QueryArgs()
	offset, err := args.GetUint("offset")
	if err != nil {
		ctx.Error("offset must be a non-negative integer", fasthttp.StatusBadRequest)
		return
	}
	height, err := args.GetUint("height")
	if err != nil || height == 0 {
		ctx.Error("height must be a positive integer", fasthttp.StatusBadRequest)
		return
	}

	engine.feed.Scroll(offset, height)
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

func (engine *WaterfeedEngine) handleFeed(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	engine.writeJSON(ctx, engine.feed.Snapshot())
}

func (engine *WaterfeedEngine) handleImage(ctx *fasthttp.RequestCtx, fingerprint string) {
	if !hash.IsFingerprint(fingerprint) {
		ctx.Error("invalid fingerprint", fasthttp.StatusBadRequest)
		return
	}

	durable, err := engine.cacheManager.Durable()
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusServiceUnavailable)
		return
	}

	var body []byte
	found, err := cache.View(durable, fingerprint, func(r io.Reader, _ int64) error {
		var rerr error
		body, rerr = io.ReadAll(r)
		return rerr
	})
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to read %s from durable cache: %v", fingerprint, err))
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	if !found {
		ctx.Error("Not Found", fasthttp.StatusNotFound)
		return
	}

	ctx.SetContentType(http.DetectContentType(body))
	ctx.Response.Header.Set("X-Waterfeed-Cache", "DURABLE")
	ctx.SetBody(body)
}

type healthReport struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	MemoryBytes   uint64 `json:"memoryBytes"`
	MemoryEntries int    `json:"memoryEntries"`
	DurableBytes  int64  `json:"durableBytes"`
	InFlight      int    `json:"inFlight"`
}

func (engine *WaterfeedEngine) handleHealth(ctx *fasthttp.RequestCtx) {
	memory := engine.cacheManager.Memory()
	report := healthReport{
		Status:        "ok",
		MemoryBytes:   memory.Weight(),
		MemoryEntries: memory.Len(),
		InFlight:      engine.coordinator.Outstanding(),
	}
	if durable, err := engine.cacheManager.Durable(); err != nil {
		report.Status = "degraded"
		report.Reason = err.Error()
	} else {
		report.DurableBytes = durable.Size()
	}
	engine.writeJSON(ctx, report)
}

func (engine *WaterfeedEngine) writeJSON(ctx *fasthttp.RequestCtx, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to encode response: %v", err))
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func (engine *WaterfeedEngine) storePid() error {
	engine.logger.Info("Storing program id information...")

	storageDir := engine.config.Storage.Path
	path := filepath.Join(storageDir, pidFileName)

	if err := fs.EnsureDir(storageDir); err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to create program storage path due to %v", err))
		return err
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", engine.pid)), 0o644); err != nil {
		engine.logger.Error(fmt.Sprintf("Unable to store program id due to %v", err))
		return err
	}

	engine.logger.Info(fmt.Sprintf("Stored program id information at %s", path))
	return nil
}

// shutdownPipeline stops the feed first so no new requests start, then
// drains the coordinator before its results' looper and the caches go.
func (engine *WaterfeedEngine) shutdownPipeline() error {
	var err error

	engine.feed.Close()
	engine.coordinator.Close()
	engine.looper.Close()
	engine.logger.Info("Feed pipeline stopped")

	if engine.limiter != nil {
		err = multierr.Append(err, engine.limiter.Close())
	}
	engine.fetcher.Close()

	if cerr := engine.cacheManager.Close(); cerr != nil {
		engine.logger.Error(fmt.Sprintf("Failed to close the cache due to: %v", cerr))
		err = multierr.Append(err, cerr)
	}
	engine.logger.Info("Cache closed")
	return err
}

func (engine *WaterfeedEngine) cleanup() error {
	err := engine.shutdownPipeline()

	pidFile := filepath.Join(engine.config.Storage.Path, pidFileName)
	if rerr := os.Remove(pidFile); rerr != nil {
		engine.logger.Error(fmt.Sprintf("Failed to remove PID file: %v", rerr))
		err = multierr.Append(err, rerr)
	} else {
		engine.logger.Info("PID file removed.")
	}

	return multierr.Append(err, engine.logger.Close())
}
