package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/argus-audit/argus/pkg/store"
)

// cacheKeyPrefix namespaces completion entries in the shared KV.
const cacheKeyPrefix = "llm:completion:"

// Cache memoizes completed responses in a KV store. Only deterministic
// requests (temperature zero) are cached; sampling requests would make
// stale replays misleading.
type Cache struct {
	kv  store.KV
	ttl time.Duration
}

// NewCache wraps a KV store. A nil kv disables caching entirely.
func NewCache(kv store.KV, ttl time.Duration) *Cache {
	return &Cache{kv: kv, ttl: ttl}
}

// Key derives the cache key: SHA-256 over the canonical JSON encoding
// of (provider, model, request).
func (c *Cache) Key(provider, model string, req *Request) string {
	payload := struct {
		Provider string   `json:"provider"`
		Model    string   `json:"model"`
		Request  *Request `json:"request"`
	}{provider, model, req}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Cacheable reports whether the request is eligible for memoization.
func (c *Cache) Cacheable(req *Request) bool {
	return c != nil && c.kv != nil && req.Temperature == 0
}

// Get returns the cached response, or nil on miss. Cache errors degrade
// to a miss; the call proceeds against the provider.
func (c *Cache) Get(ctx context.Context, key string) *Response {
	if c == nil || c.kv == nil || key == "" {
		return nil
	}
	data, found, err := c.kv.Get(ctx, key)
	if err != nil {
		slog.Warn("LLM cache read failed", "error", err)
		return nil
	}
	if !found {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("LLM cache entry corrupt, ignoring", "error", err)
		return nil
	}
	resp.Cached = true
	// Cached replays consume no provider tokens.
	resp.Usage.CostUSD = 0
	return &resp
}

// Put stores a response. Best-effort: failures are logged, not returned.
func (c *Cache) Put(ctx context.Context, key string, resp *Response) {
	if c == nil || c.kv == nil || key == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("LLM cache write failed", "error", err)
	}
}
