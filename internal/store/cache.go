package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rbright/caseform/internal/template"
)

// TemplateFetcher is the lookup CachedTemplates wraps.
type TemplateFetcher interface {
	FetchTemplate(ctx context.Context, id string) (template.Template, error)
}

// CachedTemplates memoizes template lookups for a TTL.
type CachedTemplates struct {
	source TemplateFetcher
	cache  *cache.Cache
}

// NewCachedTemplates wraps source with a ttl-bounded cache.
func NewCachedTemplates(source TemplateFetcher, ttl time.Duration) *CachedTemplates {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedTemplates{source: source, cache: cache.New(ttl, 2*ttl)}
}

// FetchTemplate returns a cached template or loads and caches it.
func (c *CachedTemplates) FetchTemplate(ctx context.Context, id string) (template.Template, error) {
	if x, found := c.cache.Get(id); found {
		return x.(template.Template), nil
	}
	tpl, err := c.source.FetchTemplate(ctx, id)
	if err != nil {
		return template.Template{}, err
	}
	c.cache.Set(id, tpl, cache.DefaultExpiration)
	return tpl, nil
}

// Invalidate drops one cached template.
func (c *CachedTemplates) Invalidate(id string) {
	c.cache.Delete(id)
}
