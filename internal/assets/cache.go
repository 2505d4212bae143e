// Package assets retrieves named values from the orchestrator on demand
// and caches them in memory. Nothing here ever touches durable storage.
package assets

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
	"github.com/driftworks/outpost/internal/common/logger"
)

// Fetcher retrieves assets from the orchestrator. Satisfied by
// *orchestrator.Client.
type Fetcher interface {
	FetchAsset(ctx context.Context, key string) (string, error)
	ListAssetKeys(ctx context.Context) ([]string, error)
}

// ConnectionReporter reports whether the orchestrator session is up.
type ConnectionReporter interface {
	IsConnected() bool
}

// CredentialSource reports whether a machine credential is available.
type CredentialSource interface {
	HasCredential() bool
}

type entry struct {
	value     string
	fetchedAt time.Time
}

// Cache is the in-memory asset cache. All reads and writes are serialized
// through one mutex: a coarse gate is slower under concurrent fetches but
// rules out duplicate fetch storms entirely.
type Cache struct {
	fetcher Fetcher
	conn    ConnectionReporter
	creds   CredentialSource
	logger  *logger.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// NewCache creates an empty asset cache.
func NewCache(fetcher Fetcher, conn ConnectionReporter, creds CredentialSource, log *logger.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		conn:    conn,
		creds:   creds,
		logger:  log.WithComponent("asset-cache"),
		entries: make(map[string]entry),
	}
}

// GetAsset returns the cached value for key, fetching it from the
// orchestrator on a miss. A miss requires a live session and a credential.
func (c *Cache) GetAsset(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return e.value, nil
	}

	if !c.creds.HasCredential() {
		return "", apperrors.CredentialUnavailable()
	}
	if !c.conn.IsConnected() {
		return "", apperrors.NotConnected()
	}

	value, err := c.fetcher.FetchAsset(ctx, key)
	if err != nil {
		return "", err
	}

	c.entries[key] = entry{value: value, fetchedAt: time.Now()}
	c.logger.Debug("fetched asset", zap.String("key", key))
	return value, nil
}

// GetAllKeys returns a fresh key list from the orchestrator while
// connected, or the cached keys (best effort) while disconnected.
func (c *Cache) GetAllKeys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.IsConnected() && c.creds.HasCredential() {
		keys, err := c.fetcher.ListAssetKeys(ctx)
		if err != nil {
			return nil, err
		}
		sort.Strings(keys)
		return keys, nil
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Sync atomically replaces the entire cache with a fresh snapshot from
// the orchestrator. No-op while disconnected.
func (c *Cache) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.conn.IsConnected() || !c.creds.HasCredential() {
		return nil
	}

	keys, err := c.fetcher.ListAssetKeys(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]entry, len(keys))
	now := time.Now()
	for _, key := range keys {
		value, err := c.fetcher.FetchAsset(ctx, key)
		if err != nil {
			return err
		}
		fresh[key] = entry{value: value, fetchedAt: now}
	}

	c.entries = fresh
	c.logger.Info("asset cache synced", zap.Int("keys", len(fresh)))
	return nil
}

// Invalidate clears the cache wholesale. Wired to credential changes so
// nothing fetched under a stale credential is ever returned.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 0 {
		c.logger.Info("asset cache invalidated", zap.Int("dropped", len(c.entries)))
	}
	c.entries = make(map[string]entry)
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
