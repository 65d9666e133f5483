package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultCacheTTL     = 5 * time.Minute

	maxDocumentSize = 1 << 20
)

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// Client performs the requests. Defaults to an http.Client with Timeout.
	Client *http.Client

	// Timeout bounds each request when Client is nil.
	Timeout time.Duration

	// CacheTTL is how long a fetched document is reused. Zero disables caching.
	CacheTTL time.Duration

	Logger *zap.Logger
}

// Fetcher reads key-set documents published by other services.
type Fetcher struct {
	client   *http.Client
	cache    *gocache.Cache
	cacheTTL time.Duration
	group    singleflight.Group
	logger   *zap.Logger
}

// NewFetcher returns a Fetcher. Documents are cached per URL for CacheTTL and
// concurrent fetches of the same URL share one request.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}

	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cleanup := opts.CacheTTL
	if cleanup < time.Minute {
		cleanup = time.Minute
	}

	return &Fetcher{
		client:   opts.Client,
		cache:    gocache.New(opts.CacheTTL, cleanup),
		cacheTTL: opts.CacheTTL,
		logger:   opts.Logger,
	}
}

// Fetch returns the key set published at url, from cache when fresh.
func (f *Fetcher) Fetch(ctx context.Context, url string) (jwk.Set, error) {
	if f.cacheTTL > 0 {
		if cached, ok := f.cache.Get(url); ok {
			return cached.(jwk.Set), nil
		}
	}

	return f.Refresh(ctx, url)
}

// Refresh fetches url bypassing the cache and stores the result.
func (f *Fetcher) Refresh(ctx context.Context, url string) (jwk.Set, error) {
	result, err, _ := f.group.Do(url, func() (any, error) {
		set, err := f.get(ctx, url)
		if err != nil {
			return nil, err
		}

		if f.cacheTTL > 0 {
			f.cache.Set(url, set, f.cacheTTL)
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(jwk.Set), nil
}

// Invalidate drops the cached document for url.
func (f *Fetcher) Invalidate(url string) {
	f.cache.Delete(url)
}

func (f *Fetcher) get(ctx context.Context, url string) (jwk.Set, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	request.Header.Set("Accept", "application/json")

	started := time.Now()
	response, err := f.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetchFailed, url, response.Status)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}

	set, err := Parse(body)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("key set fetched",
		zap.String("url", url),
		zap.Int("keys", set.Len()),
		zap.Duration("duration", time.Since(started)),
	)

	return set, nil
}
