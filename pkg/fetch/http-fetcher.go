package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
	"waterfeed/pkg/cache"
	"waterfeed/pkg/models"
	"waterfeed/pkg/ratelimit"
	"waterfeed/pkg/utils/logger"

	"github.com/valyala/fasthttp"
)

// Fetcher streams the body of url into w.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) error
}

// HTTPFetcher is a Fetcher over fasthttp with separate connect and read
// timeouts.
type HTTPFetcher struct {
	client    *fasthttp.Client
	limiter   ratelimit.IRateLimiter
	userAgent string
	logger    *logger.Logger
}

type HTTPFetcherOption func(*HTTPFetcher)

// WithDial replaces the dialer, e.g. with an in-memory listener in tests.
func WithDial(dial fasthttp.DialFunc) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client.Dial = dial
	}
}

// WithLimiter paces requests per source host.
func WithLimiter(limiter ratelimit.IRateLimiter) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.limiter = limiter
	}
}

func NewHTTPFetcher(config *models.NetworkConfig, log *logger.Logger, opts ...HTTPFetcherOption) *HTTPFetcher {
	if log == nil {
		log = logger.Nop()
	}
	connect := config.ConnectTimeout
	if connect <= 0 {
		connect = models.DefaultConnectTimeout
	}
	read := config.ReadTimeout
	if read <= 0 {
		read = models.DefaultReadTimeout
	}

	f := &HTTPFetcher{
		client: &fasthttp.Client{
			Name:               config.UserAgent,
			ReadTimeout:        read,
			WriteTimeout:       connect,
			StreamResponseBody: true,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, connect)
			},
		},
		userAgent: config.UserAgent,
		logger:    log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues a GET and copies a 2xx body into w. Failures writing to w
// keep their own type; everything else is a NetworkError.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, ratelimit.HostOf(url)); err != nil {
			return &NetworkError{URL: url, Err: err}
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	if f.userAgent != "" {
		req.Header.SetUserAgent(f.userAgent)
	}

	start := time.Now()
	if err := f.client.Do(req, resp); err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return &NetworkError{URL: url, StatusCode: status}
	}

	if err := resp.BodyWriteTo(w); err != nil {
		if cache.IsCacheIOError(err) {
			return err
		}
		return &NetworkError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	f.logger.Debug(fmt.Sprintf("Fetched %s (%d) in %v", url, status, time.Since(start)))
	return nil
}

func (f *HTTPFetcher) Close() {
	f.client.CloseIdleConnections()
}
