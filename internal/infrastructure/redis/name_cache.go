package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"roomchat/internal/domain/entity"
)

const (
	kindUser     = "user"
	kindProperty = "property"
)

// NameCache keeps registry answers under names:<kind>:<id>.
type NameCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewNameCache(client *goredis.Client, ttl time.Duration) *NameCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &NameCache{
		client: client,
		ttl:    ttl,
	}
}

func nameKey(kind string, id int64) string {
	return "names:" + kind + ":" + strconv.FormatInt(id, 10)
}

// Lookup splits query into cached names and the ids still to resolve.
func (c *NameCache) Lookup(ctx context.Context, query entity.NameQuery) (*entity.ResolvedNames, entity.NameQuery, error) {
	hits := entity.NewResolvedNames()
	var misses entity.NameQuery

	keys := make([]string, 0, len(query.PropertyIDs)+len(query.UserIDs))
	for _, id := range query.PropertyIDs {
		keys = append(keys, nameKey(kindProperty, id))
	}
	for _, id := range query.UserIDs {
		keys = append(keys, nameKey(kindUser, id))
	}
	if len(keys) == 0 {
		return hits, misses, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, query, err
	}

	for i, id := range query.PropertyIDs {
		if name, ok := values[i].(string); ok {
			hits.Properties = append(hits.Properties, entity.NamedEntity{ID: id, Name: name})
		} else {
			misses.PropertyIDs = append(misses.PropertyIDs, id)
		}
	}
	offset := len(query.PropertyIDs)
	for i, id := range query.UserIDs {
		if name, ok := values[offset+i].(string); ok {
			hits.Users = append(hits.Users, entity.NamedEntity{ID: id, Name: name})
		} else {
			misses.UserIDs = append(misses.UserIDs, id)
		}
	}

	return hits, misses, nil
}

func (c *NameCache) Store(ctx context.Context, names *entity.ResolvedNames) error {
	if names == nil || (len(names.Properties) == 0 && len(names.Users) == 0) {
		return nil
	}

	_, err := c.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range names.Properties {
			pipe.Set(ctx, nameKey(kindProperty, p.ID), p.Name, c.ttl)
		}
		for _, u := range names.Users {
			pipe.Set(ctx, nameKey(kindUser, u.ID), u.Name, c.ttl)
		}
		return nil
	})
	return err
}
