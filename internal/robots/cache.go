// Package robots caches robots.txt rules per host in memory and in the
// store's robots_cache collection.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

// Cache defaults.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultNegativeTTL = 5 * time.Minute
	defaultTimeout     = 10 * time.Second
	maxRobotsBytes     = 512 << 10
)

// Config controls robots fetching and expiry.
type Config struct {
	UserAgent   string
	TTL         time.Duration
	NegativeTTL time.Duration
	Timeout     time.Duration
	// Client overrides the HTTP client used for robots.txt requests.
	Client *http.Client
}

// entry is immutable once published into the map.
type entry struct {
	data    *robotstxt.RobotsData
	expires time.Time
}

// Cache answers whether a URL may be fetched. Lookups go memory, then the
// store, then the network; concurrent misses for a host share one load.
type Cache struct {
	cfg    Config
	store  store.RobotsStore
	clock  crawler.Clock
	client *http.Client
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

// New builds a Cache. st may be nil, in which case entries live only in
// memory.
func New(cfg Config, st store.RobotsStore, clock crawler.Clock, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newRetryTransport(http.DefaultTransport),
		}
	}
	return &Cache{
		cfg:     cfg,
		store:   st,
		clock:   clock,
		client:  client,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Allowed reports whether the crawler user agent may fetch rawURL. Network
// failures never block a URL; they allow access and cache a short negative
// entry.
func (c *Cache) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, fmt.Errorf("%w: %q", crawler.ErrUnsupportedScheme, u.Scheme)
	}
	key := strings.ToLower(u.Scheme + "://" + u.Host)

	e := c.lookup(key)
	if e == nil {
		v, err, _ := c.group.Do(key, func() (any, error) {
			if cached := c.lookup(key); cached != nil {
				return cached, nil
			}
			loaded, err := c.load(ctx, key)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.entries[key] = loaded
			c.mu.Unlock()
			return loaded, nil
		})
		if err != nil {
			return false, err
		}
		e = v.(*entry) //nolint:forcetypeassert
	}

	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return e.data.TestAgent(target, c.cfg.UserAgent), nil
}

func (c *Cache) lookup(key string) *entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expires) {
		return nil
	}
	return e
}

func (c *Cache) load(ctx context.Context, key string) (*entry, error) {
	now := c.clock.Now()
	if c.store != nil {
		rec, err := c.store.GetRobots(ctx, key)
		switch {
		case err == nil && now.Before(rec.ExpiresAt):
			data, perr := robotstxt.FromStatusAndBytes(rec.StatusCode, rec.Body)
			if perr == nil {
				return &entry{data: data, expires: rec.ExpiresAt}, nil
			}
			c.logger.Warn("discarding unparsable stored robots", zap.String("host", key), zap.Error(perr))
		case err != nil && !errors.Is(err, store.ErrNotFound):
			c.logger.Warn("robots store lookup failed", zap.String("host", key), zap.Error(err))
		}
	}

	status, body, err := c.fetch(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("load robots for %s: %w", key, ctx.Err())
		}
		c.logger.Warn("robots fetch failed; allowing access", zap.String("host", key), zap.Error(err))
		return c.allowAll(now), nil
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		c.logger.Warn("robots parse failed; allowing access", zap.String("host", key), zap.Error(err))
		return c.allowAll(now), nil
	}

	expires := now.Add(c.cfg.TTL)
	if c.store != nil {
		rec := store.RobotsRecord{Host: key, StatusCode: status, Body: body, FetchedAt: now, ExpiresAt: expires}
		if err := c.store.PutRobots(ctx, rec); err != nil {
			c.logger.Warn("persist robots failed", zap.String("host", key), zap.Error(err))
		}
	}
	return &entry{data: data, expires: expires}, nil
}

func (c *Cache) allowAll(now time.Time) *entry {
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return &entry{data: data, expires: now.Add(c.cfg.NegativeTTL)}
}

func (c *Cache) fetch(ctx context.Context, key string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}
