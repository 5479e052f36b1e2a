package require

import (
	"context"
	"slices"
	"sort"

	"github.com/flaggate/flaggate/internal/core"
)

// Resolver answers "which flags gate this call" for a layer, operation, and
// optional subtype discriminator.
type Resolver struct {
	cache *Cache
}

// NewResolver creates a resolver over the given cache.
func NewResolver(cache *Cache) *Resolver {
	return &Resolver{cache: cache}
}

// Resolve returns the names of all flags whose requirements cover the call,
// sorted for stable logging. An empty result means the call is ungated.
// Every returned flag must independently be enabled for the call to proceed.
func (r *Resolver) Resolve(ctx context.Context, layer core.Layer, operation, subtype string) []string {
	snap := r.cache.current(ctx)

	var matched []string
	switch layer {
	case core.LayerRepository:
		for flagName, block := range snap.repository {
			if entry, ok := block[operation]; ok && entry.Applies(subtype) {
				matched = append(matched, flagName)
			}
		}

	case core.LayerService:
		for flagName, block := range snap.service {
			if serviceBlockCovers(block, operation) {
				matched = append(matched, flagName)
			}
		}

	case core.LayerAPI:
		for flagName, block := range snap.api {
			for pattern, gated := range block {
				if gated && core.MatchGlob(pattern, operation) {
					matched = append(matched, flagName)
					break
				}
			}
		}
	}

	sort.Strings(matched)
	return matched
}

// serviceBlockCovers reports whether any pattern entry covers the operation:
// either the operation matches the pattern glob or it appears in the
// pattern's listed method set.
func serviceBlockCovers(block core.ServiceBlock, operation string) bool {
	for pattern, methods := range block {
		if core.MatchGlob(pattern, operation) {
			return true
		}
		if slices.Contains(methods, operation) {
			return true
		}
	}

	return false
}
