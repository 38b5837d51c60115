// Package seed fills the order index with mock limit orders around a
// center ratio.
package seed

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/internal/orderindex"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

// Orders builds cfg.Count pairs of orders: a below order under Center and
// an above order over it, each offset by the same random amount of at most
// Spread and rounded to 1/Precision.
func Orders(cfg appconfig.SeedConfig, pairID string, rnd *rand.Rand) []models.LimitOrder {
	precision := cfg.Precision
	if precision <= 0 {
		precision = 1e4
	}
	round := func(v float64) float64 { return math.Round(v*precision) / precision }

	out := make([]models.LimitOrder, 0, cfg.Count*2)
	for i := 0; i < cfg.Count; i++ {
		offset := math.Abs((rnd.Float64() - 0.5) * 2 * cfg.Spread)
		lower := round(cfg.Center - offset)
		upper := round(cfg.Center + offset)
		out = append(out,
			models.LimitOrder{
				ID:           fmt.Sprintf("below-%d-%v", i, lower),
				PairID:       pairID,
				TriggerRatio: lower,
				Direction:    models.BelowMeansTrigger,
			},
			models.LimitOrder{
				ID:           fmt.Sprintf("above-%d-%v", i, upper),
				PairID:       pairID,
				TriggerRatio: upper,
				Direction:    models.AboveMeansTrigger,
			},
		)
	}
	return out
}

// Run inserts the generated orders and returns how many are live in the
// index afterwards.
func Run(ctx context.Context, idx orderindex.Index, cfg appconfig.SeedConfig, pairID string, rnd *rand.Rand) (int, error) {
	log := logger.GetLogger().WithComponent("seed").WithFields(logger.Fields{"pair": pairID})
	log.WithFields(logger.Fields{
		"orders": cfg.Count * 2,
		"center": cfg.Center,
		"spread": cfg.Spread,
	}).Info("generating mock orders")

	for _, o := range Orders(cfg, pairID, rnd) {
		if err := idx.Insert(ctx, o); err != nil {
			return 0, fmt.Errorf("insert %s: %w", o.ID, err)
		}
	}

	live, err := idx.List(ctx, pairID)
	if err != nil {
		return 0, err
	}
	log.WithField("live_orders", len(live)).Info("seeding complete")
	return len(live), nil
}
