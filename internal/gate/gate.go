// Package gate decides which ratio samples are worth republishing.
package gate

import (
	"math"
	"sync"
	"time"

	"github.com/coinlordd/pear-limit-engine/models"
)

// Gate passes a sample when its pair has no baseline yet, when MinInterval
// has elapsed since the baseline, or when the ratio moved by at least
// MinDelta. The baseline only moves when a sample is accepted.
type Gate struct {
	MinInterval time.Duration
	MinDelta    float64

	mu       sync.Mutex
	baseline map[string]models.RatioSample
}

func New(minInterval time.Duration, minDelta float64) *Gate {
	return &Gate{
		MinInterval: minInterval,
		MinDelta:    minDelta,
		baseline:    make(map[string]models.RatioSample),
	}
}

func (g *Gate) ShouldPublish(s models.RatioSample) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shouldPublishLocked(s)
}

// Accept records s as the baseline of its pair.
func (g *Gate) Accept(s models.RatioSample) {
	g.mu.Lock()
	g.acceptLocked(s)
	g.mu.Unlock()
}

// Offer checks and accepts in one step and reports whether s passed.
func (g *Gate) Offer(s models.RatioSample) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.shouldPublishLocked(s) {
		return false
	}
	g.acceptLocked(s)
	return true
}

// Last returns the current baseline of pairID.
func (g *Gate) Last(pairID string) (models.RatioSample, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.baseline[pairID]
	return s, ok
}

func (g *Gate) shouldPublishLocked(s models.RatioSample) bool {
	last, ok := g.baseline[s.PairID]
	if !ok {
		return true
	}
	if time.Duration(s.Timestamp-last.Timestamp)*time.Millisecond >= g.MinInterval {
		return true
	}
	return math.Abs(s.Ratio-last.Ratio) >= g.MinDelta
}

func (g *Gate) acceptLocked(s models.RatioSample) {
	if g.baseline == nil {
		g.baseline = make(map[string]models.RatioSample)
	}
	g.baseline[s.PairID] = s
}
