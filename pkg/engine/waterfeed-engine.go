// Package engine assembles the feed pipeline from a config file and serves
// it over HTTP.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"waterfeed/pkg/cache"
	"waterfeed/pkg/cachemanager"
	"waterfeed/pkg/feed"
	"waterfeed/pkg/fetch"
	"waterfeed/pkg/imaging"
	"waterfeed/pkg/metrics"
	"waterfeed/pkg/models"
	"waterfeed/pkg/ratelimit"
	"waterfeed/pkg/utils/logger"

	"github.com/valyala/fasthttp"
)

type WaterfeedEngine struct {
	config     *models.WaterfeedConfig
	configPath string
	pid        int
	urls       []string

	logger       *logger.Logger
	metrics      *metrics.Metrics
	cacheManager *cachemanager.CacheManager
	limiter      ratelimit.IRateLimiter
	fetcher      *fetch.HTTPFetcher
	looper       *feed.Looper
	coordinator  *fetch.Coordinator
	feed         *feed.Feed
	server       *fasthttp.Server
}

type engineOptions struct {
	fetcherOpts []fetch.HTTPFetcherOption
	surface     feed.Surface
}

type EngineOption func(*engineOptions)

// WithFetcherOptions passes options to the engine's HTTP fetcher.
func WithFetcherOptions(opts ...fetch.HTTPFetcherOption) EngineOption {
	return func(o *engineOptions) {
		o.fetcherOpts = append(o.fetcherOpts, opts...)
	}
}

// WithSurface draws the feed on s instead of discarding draw calls.
func WithSurface(s feed.Surface) EngineOption {
	return func(o *engineOptions) {
		o.surface = s
	}
}

// InstantiateWaterfeedEngine builds every component named by the config at
// configPath. A durable cache that cannot be opened leaves the engine
// running memory-only.
func InstantiateWaterfeedEngine(configPath string, opts ...EngineOption) (*WaterfeedEngine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := resolveStorage(config, configPath); err != nil {
		return nil, err
	}

	logger_, err := logger.NewLogger(config.Log)
	if err != nil {
		return nil, fmt.Errorf("unable to instantiate the logger: %w", err)
	}

	urls, err := loadSourceURLs(config.Source, filepath.Dir(configPath))
	if err != nil {
		logger_.Close()
		return nil, err
	}

	engine := &WaterfeedEngine{
		config:     config,
		configPath: configPath,
		pid:        os.Getpid(),
		urls:       urls,
		logger:     logger_,
		metrics:    metrics.New(),
	}

	memory := cache.NewMemoryCache(config.Memory.BudgetBytes(), func(key string, weight uint64) {
		engine.metrics.Evicted(metrics.TierMemory)
	})
	engine.cacheManager = cachemanager.Open(config, config.Disk.Path, memory, logger_)
	if durable, err := engine.cacheManager.Durable(); err == nil {
		durable.OnEvict(func(key string, size int64) {
			engine.metrics.Evicted(metrics.TierDurable)
		})
	}
	if config.Redis != nil {
		engine.cacheManager.StartHealthMonitoring(config.Redis.HealthEvery)
	}
	engine.registerGauges()

	engine.limiter = ratelimit.NewHostLimiter(config.Network, logger_)
	fetcherOpts := o.fetcherOpts
	if engine.limiter != nil {
		fetcherOpts = append([]fetch.HTTPFetcherOption{fetch.WithLimiter(engine.limiter)}, fetcherOpts...)
	}
	engine.fetcher = fetch.NewHTTPFetcher(config.Network, logger_, fetcherOpts...)

	engine.looper = feed.NewLooper(logger_)
	engine.coordinator = fetch.NewCoordinator(
		engine.cacheManager,
		engine.fetcher,
		imaging.NewDecoder(imaging.WithMaxPixels(config.Memory.MaxSourcePixels)),
		config.Network.Workers,
		fetch.WithPoster(engine.looper),
		fetch.WithMetrics(engine.metrics),
		fetch.WithLogger(logger_),
	)
	engine.feed = feed.New(urls, engine.coordinator, o.surface, engine.looper, feed.OptionsFromConfig(config.Layout), logger_)

	engine.server = &fasthttp.Server{
		Name:    "waterfeed",
		Handler: engine.Handler(),
	}

	logger_.Info(fmt.Sprintf("Waterfeed engine ready: %d source URLs, memory budget %d bytes, durable %s",
		len(urls), memory.Budget(), engine.durableDescription()))
	return engine, nil
}

func (engine *WaterfeedEngine) registerGauges() {
	memory := engine.cacheManager.Memory()
	engine.metrics.Gauge("memory_bytes", "Weight of decoded bitmaps held in memory.", func() float64 {
		return float64(memory.Weight())
	})
	engine.metrics.Gauge("memory_entries", "Decoded bitmaps held in memory.", func() float64 {
		return float64(memory.Len())
	})
	engine.metrics.Gauge("durable_bytes", "Bytes committed to the durable cache.", func() float64 {
		durable, err := engine.cacheManager.Durable()
		if err != nil {
			return 0
		}
		return float64(durable.Size())
	})
	engine.metrics.Gauge("degraded", "1 when running without a durable cache.", func() float64 {
		if engine.cacheManager.Degraded() {
			return 1
		}
		return 0
	})
}

func (engine *WaterfeedEngine) durableDescription() string {
	if engine.cacheManager.Degraded() {
		return "disabled"
	}
	if engine.config.Disk.Type == models.DURABLE_TYPE_REDIS {
		return "redis at " + engine.config.Redis.Address
	}
	return "disk at " + engine.config.Disk.Path
}

// Feed exposes the engine's feed, mainly for embedding and tests.
func (engine *WaterfeedEngine) Feed() *feed.Feed {
	return engine.feed
}

func (engine *WaterfeedEngine) Config() *models.WaterfeedConfig {
	return engine.config
}

// SourceURLs is the filtered URL list the feed pages through.
func (engine *WaterfeedEngine) SourceURLs() []string {
	return append([]string(nil), engine.urls...)
}
