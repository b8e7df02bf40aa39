package ai

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/safeshift/backend/internal/utils"
)

// CachedClassifier memoizes classifications of identical notes. Failed
// calls are not cached.
type CachedClassifier struct {
	Next  TextClassifier
	cache *gocache.Cache
}

func NewCachedClassifier(next TextClassifier, ttl time.Duration) *CachedClassifier {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedClassifier{Next: next, cache: gocache.New(ttl, 2*ttl)}
}

func (c *CachedClassifier) Classify(ctx context.Context, text string, cc ClassifyContext) (Classification, error) {
	key := cacheKey(text, cc)
	if v, ok := c.cache.Get(key); ok {
		return v.(Classification), nil
	}
	out, err := c.Next.Classify(ctx, text, cc)
	if err != nil {
		return out, err
	}
	c.cache.SetDefault(key, out)
	return out, nil
}

func (c *CachedClassifier) Len() int {
	return c.cache.ItemCount()
}

func cacheKey(text string, cc ClassifyContext) string {
	return strconv.FormatUint(utils.NoteFingerprint(text), 16) + ":" + strconv.Itoa(cc.Strain) + ":" + cc.Zone.String()
}
