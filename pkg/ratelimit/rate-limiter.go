package ratelimit

import (
	"context"
	"time"
	"waterfeed/pkg/models"
	"waterfeed/pkg/utils/logger"

	"github.com/valyala/fasthttp"
)

// IRateLimiter paces work per key. Fetch workers key it by source host.
type IRateLimiter interface {
	Allow(key string) (bool, int64, time.Time)
	Wait(ctx context.Context, key string) error
	Reset(key string)
	Close() error
}

// NewHostLimiter returns a limiter for outbound image requests, or nil when
// host pacing is disabled.
func NewHostLimiter(config *models.NetworkConfig, logger *logger.Logger) IRateLimiter {
	if config == nil || config.HostRequestsPerSecond <= 0 {
		return nil
	}
	burst := config.HostBurst
	if burst <= 0 {
		burst = config.HostRequestsPerSecond
	}
	return NewMemoryRateLimiter(burst, config.HostRequestsPerSecond, logger)
}

// HostOf extracts the host (with port, if any) that a request to rawURL
// would be paced under.
func HostOf(rawURL string) string {
	uri := fasthttp.AcquireURI()
	defer fasthttp.ReleaseURI(uri)
	if err := uri.Parse(nil, []byte(rawURL)); err != nil {
		return ""
	}
	return string(uri.Host())
}
