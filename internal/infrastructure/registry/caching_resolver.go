package registry

import (
	"context"

	"roomchat/internal/domain/entity"
	"roomchat/pkg/logger"
)

type Resolver interface {
	Resolve(ctx context.Context, query entity.NameQuery) (*entity.ResolvedNames, error)
}

type NameCache interface {
	Lookup(ctx context.Context, query entity.NameQuery) (*entity.ResolvedNames, entity.NameQuery, error)
	Store(ctx context.Context, names *entity.ResolvedNames) error
}

// CachingResolver answers from the cache first and asks the registry only for
// the misses. A cache outage degrades to calling the registry directly.
type CachingResolver struct {
	next  Resolver
	cache NameCache
}

func NewCachingResolver(next Resolver, cache NameCache) *CachingResolver {
	return &CachingResolver{
		next:  next,
		cache: cache,
	}
}

func (r *CachingResolver) Resolve(ctx context.Context, query entity.NameQuery) (*entity.ResolvedNames, error) {
	hits, misses, err := r.cache.Lookup(ctx, query)
	if err != nil {
		logger.Warn("Name cache lookup failed: %v", err)
		return r.next.Resolve(ctx, query)
	}
	names := entity.NewResolvedNames()
	names.Add(hits)
	if misses.Empty() {
		return names, nil
	}

	fetched, err := r.next.Resolve(ctx, misses)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Store(ctx, fetched); err != nil {
		logger.Warn("Name cache store failed: %v", err)
	}

	names.Add(fetched)
	return names, nil
}
