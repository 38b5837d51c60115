// Package orderindex keeps resting limit orders sorted by trigger ratio so
// that the orders crossed by a new ratio can be found with a range scan.
//
// Orders resting in the "below" index trigger once the ratio falls under
// their trigger; orders in the "above" index trigger once it rises over it.
// The index never removes an order on its own: whoever acts on a match is
// expected to call Remove once the order has been handed off.
package orderindex

import (
	"context"
	"fmt"
	"math"

	"github.com/coinlordd/pear-limit-engine/internal/store"
	"github.com/coinlordd/pear-limit-engine/models"
)

// Index is implemented by the in-process and Redis backends.
type Index interface {
	// Insert upserts order by id. Re-inserting moves the order to its new
	// trigger ratio and direction.
	Insert(ctx context.Context, order models.LimitOrder) error
	// MatchAt returns the below orders with trigger > ratio followed by the
	// above orders with trigger < ratio, each group ascending by trigger.
	MatchAt(ctx context.Context, pairID string, ratio float64) ([]models.LimitOrder, error)
	// List returns every live order of the pair, below group first.
	List(ctx context.Context, pairID string) ([]models.LimitOrder, error)
	// TopK returns up to k orders nearest the edge: the lowest below
	// triggers, or the highest above triggers.
	TopK(ctx context.Context, pairID string, edge models.Edge, k int) ([]models.LimitOrder, error)
	// Remove drops the order; removing an unknown id is not an error.
	Remove(ctx context.Context, pairID, id string) error
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Open builds the configured backend. st may be nil for the memory backend.
func Open(backend string, st *store.Store) (Index, error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendRedis, "":
		if st == nil {
			return nil, fmt.Errorf("redis index requires a store")
		}
		return NewRedis(st), nil
	}
	return nil, fmt.Errorf("unknown index backend %q", backend)
}

func checkRatio(ratio float64) error {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return fmt.Errorf("ratio must be finite, got %v", ratio)
	}
	return nil
}
