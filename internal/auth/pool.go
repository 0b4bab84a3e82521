package auth

import (
	"context"
	"fmt"
	"sort"
)

// PoolResolver surfaces what callers inherit through pool membership. Only
// active pools contribute; inactive pools are filtered here on every read so
// a deactivation takes effect on the next call.
type PoolResolver struct {
	pools PoolStore
}

// NewPoolResolver constructs a PoolResolver.
func NewPoolResolver(pools PoolStore) *PoolResolver {
	return &PoolResolver{pools: pools}
}

// GrantsForUser returns every capability grant conferred by the caller's active pools.
func (r *PoolResolver) GrantsForUser(ctx context.Context, userID string) ([]Grant, error) {
	rows, err := r.pools.GrantsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pool grants: %w", err)
	}
	return activeGrants(rows), nil
}

// GrantsForCapability returns the active pool grants the caller holds for key.
func (r *PoolResolver) GrantsForCapability(ctx context.Context, userID string, key CapabilityKey) ([]Grant, error) {
	rows, err := r.pools.GrantsForUserCapability(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("pool grants for %s: %w", key, err)
	}
	return activeGrants(rows), nil
}

// ModulesForUser returns the sorted module codes granted by the caller's
// active pools. Module access confers no capability.
func (r *PoolResolver) ModulesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pools.ModulesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pool modules: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, m := range rows {
		if !m.PoolActive {
			continue
		}
		if _, ok := seen[m.Module]; ok {
			continue
		}
		seen[m.Module] = struct{}{}
		out = append(out, m.Module)
	}
	sort.Strings(out)
	return out, nil
}

func activeGrants(rows []PoolGrant) []Grant {
	out := make([]Grant, 0, len(rows))
	for _, row := range rows {
		if !row.PoolActive {
			continue
		}
		g := row.Grant
		g.Source = SourcePool
		out = append(out, g)
	}
	return out
}
