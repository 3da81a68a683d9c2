package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/sarflow/internal/cache"
	"github.com/opensource-finance/sarflow/internal/domain"
)

// CacheNamespace holds retrieval results in the shared cache.
const CacheNamespace = "retrieval"

// DefaultCacheTTL applies when no TTL is configured.
const DefaultCacheTTL = 10 * time.Minute

// CachedRetriever memoizes another retriever. Cache errors are logged and
// never fail a retrieval.
type CachedRetriever struct {
	next  domain.Retriever
	cache domain.Cache
	ttl   time.Duration
}

// NewCachedRetriever wraps next with c.
func NewCachedRetriever(next domain.Retriever, c domain.Cache, ttl time.Duration) *CachedRetriever {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedRetriever{next: next, cache: c, ttl: ttl}
}

// Retrieve serves from cache when possible.
func (r *CachedRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Snippet, error) {
	key := cacheKey(query, topK)

	var snippets []domain.Snippet
	hit, err := cache.GetJSON(ctx, r.cache, CacheNamespace, key, &snippets)
	if err != nil {
		slog.Warn("retrieval cache read failed", "error", err)
	}
	if hit {
		return snippets, nil
	}

	snippets, err = r.next.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	if err := cache.SetJSON(ctx, r.cache, CacheNamespace, key, snippets, r.ttl); err != nil {
		slog.Warn("retrieval cache write failed", "error", err)
	}
	return snippets, nil
}

func cacheKey(query string, topK int) string {
	sum := sha256.Sum256([]byte(query + "\x00" + strconv.Itoa(topK)))
	return hex.EncodeToString(sum[:])
}
