package ghapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/runnerd/pkg/fleet"
)

const groupCacheRedisPrefix = "runnerd:runner-group:"

// GroupLookup is the upstream side of the group cache; *Client satisfies it.
type GroupLookup interface {
	LookupRunnerGroupID(ctx context.Context, name string) (int64, error)
}

// GroupCache resolves runner-group names to upstream ids. The durable tier
// is an SSM parameter per group name; an optional Redis client fronts it as
// a hot cache. A cache miss on either tier is not an error — only absence of
// the group upstream is.
type GroupCache struct {
	store  *fleet.SecretStore
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewGroupCache creates a GroupCache rooted at the SSM config prefix.
// rdb may be nil.
func NewGroupCache(store *fleet.SecretStore, rdb *redis.Client, configPath string, logger *slog.Logger) *GroupCache {
	return &GroupCache{store: store, rdb: rdb, prefix: configPath, logger: logger}
}

func (g *GroupCache) paramName(groupName string) string {
	return g.prefix + "/runner-group/" + groupName
}

// GetRunnerGroupID returns the id for the named runner group, consulting
// Redis, then SSM, then the upstream service. Resolved ids are written back
// to both tiers best-effort.
func (g *GroupCache) GetRunnerGroupID(ctx context.Context, lookup GroupLookup, groupName string) (int64, error) {
	// 1. Redis hot path.
	if g.rdb != nil {
		val, err := g.rdb.Get(ctx, groupCacheRedisPrefix+groupName).Result()
		if err == nil {
			if id, perr := strconv.ParseInt(val, 10, 64); perr == nil {
				return id, nil
			}
			g.logger.Warn("invalid runner group id in redis cache", "group", groupName, "value", val)
		} else if err != redis.Nil {
			g.logger.Warn("redis group cache lookup failed, falling back to SSM", "error", err)
		}
	}

	// 2. Durable SSM tier.
	val, err := g.store.GetParameter(ctx, g.paramName(groupName))
	switch {
	case err == nil:
		id, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("invalid runner group id %q cached for %s", val, groupName)
		}
		g.cacheRedis(ctx, groupName, id)
		return id, nil
	case errors.Is(err, fleet.ErrParameterNotFound):
		// Fall through to upstream lookup.
	default:
		return 0, err
	}

	// 3. Upstream lookup by name.
	id, err := lookup.LookupRunnerGroupID(ctx, groupName)
	if err != nil {
		return 0, err
	}

	if err := g.store.PutParameter(ctx, g.paramName(groupName), strconv.FormatInt(id, 10)); err != nil {
		g.logger.Warn("failed to cache runner group id in SSM", "group", groupName, "error", err)
	}
	g.cacheRedis(ctx, groupName, id)
	return id, nil
}

func (g *GroupCache) cacheRedis(ctx context.Context, groupName string, id int64) {
	if g.rdb == nil {
		return
	}
	if err := g.rdb.Set(ctx, groupCacheRedisPrefix+groupName, strconv.FormatInt(id, 10), 0).Err(); err != nil {
		g.logger.Warn("failed to set redis group cache", "group", groupName, "error", err)
	}
}
