// Package pipeline runs the trade lifecycle after matching: the planner
// opens trades from the live ratio, the executor fills them partially and
// the finalizer settles them.
//
//	planner/matcher --pending_trades--> executor --partial_trades--> finalizer --> archive
package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coinlordd/pear-limit-engine/models"
)

// RatioReader reads the latest stored ratio of a pair.
type RatioReader interface {
	GetRatio(ctx context.Context, pairID string) (models.RatioSample, error)
}

// Archive receives settled trades. It must not block.
type Archive interface {
	SendSettled(ctx context.Context, trade models.Trade) bool
}

// lockedRand is a *rand.Rand safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// between returns a duration uniformly drawn from [min, max].
func (r *lockedRand) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r.Float64()*float64(max-min))
}

// sleep waits d or until ctx is done; it reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseTradeID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}
