package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/opslens/chronicle/internal/cache"
	"github.com/opslens/chronicle/internal/models"
)

// CachedReader wraps a Reader with short-TTL caching of incident lookups. The
// correlation engine reads the same incidents repeatedly while a burst of
// events for one resource is admitted; the cache absorbs that fan-out.
type CachedReader struct {
	inner  Reader
	cache  cache.Provider
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedReader builds a caching wrapper; a nil provider degrades to the
// inner reader.
func NewCachedReader(inner Reader, provider cache.Provider, ttl time.Duration, logger *slog.Logger) *CachedReader {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedReader{inner: inner, cache: provider, ttl: ttl, logger: logger}
}

// Get returns the incident, serving from cache when fresh.
func (c *CachedReader) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	key := "incident:" + incidentID
	if data, err := c.cache.Get(ctx, key); err == nil {
		var incident models.Incident
		if jsonErr := json.Unmarshal(data, &incident); jsonErr == nil {
			return incident, nil
		}
		// Corrupt entry: drop it and fall through to the registry.
		_ = c.cache.Del(ctx, key)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Debug("incident cache read failed", slog.Any("error", err))
	}

	incident, err := c.inner.Get(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}
	if data, jsonErr := json.Marshal(incident); jsonErr == nil {
		if setErr := c.cache.Set(ctx, key, data, c.ttl); setErr != nil {
			c.logger.Debug("incident cache write failed", slog.Any("error", setErr))
		}
	}
	return incident, nil
}

// ListOpen passes through; open sets change too often to cache safely.
func (c *CachedReader) ListOpen(ctx context.Context) ([]models.Incident, error) {
	return c.inner.ListOpen(ctx)
}

// ListOverlapping passes through for the same reason as ListOpen.
func (c *CachedReader) ListOverlapping(ctx context.Context, tr models.TimeRange) ([]models.Incident, error) {
	return c.inner.ListOverlapping(ctx, tr)
}

// Invalidate clears the cached copy after a lifecycle mutation.
func (c *CachedReader) Invalidate(ctx context.Context, incidentID string) {
	if err := c.cache.Del(ctx, "incident:"+incidentID); err != nil {
		c.logger.Debug("incident cache invalidation failed", slog.Any("error", err))
	}
}
