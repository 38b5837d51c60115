package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/internal/queue"
	"github.com/coinlordd/pear-limit-engine/internal/repository"
	"github.com/coinlordd/pear-limit-engine/internal/store"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

var errNoRatio = errors.New("no ratio available")

const noRatioWait = time.Second

// Planner opens a trade whenever the stored ratio strays further than
// Threshold from TargetRatio.
type Planner struct {
	cfg     appconfig.PlannerConfig
	pairID  string
	ratios  RatioReader
	trades  repository.TradeRepository
	pending queue.Queue
	log     *logger.Entry
}

func NewPlanner(cfg appconfig.PlannerConfig, pairID string, ratios RatioReader, trades repository.TradeRepository, pending queue.Queue) *Planner {
	return &Planner{
		cfg:     cfg,
		pairID:  pairID,
		ratios:  ratios,
		trades:  trades,
		pending: pending,
		log:     logger.GetLogger().WithComponent("planner").WithFields(logger.Fields{"pair": pairID}),
	}
}

// Run plans every Interval until ctx is cancelled.
func (p *Planner) Run(ctx context.Context) error {
	p.log.WithFields(logger.Fields{
		"target":    p.cfg.TargetRatio,
		"threshold": p.cfg.Threshold,
		"interval":  p.cfg.Interval,
	}).Info("starting planner")

	for {
		wait := p.cfg.Interval
		if _, err := p.PlanOnce(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, errNoRatio):
				p.log.Info("no ratio data available, waiting")
				wait = noRatioWait
			default:
				p.log.WithError(err).Error("planning failed")
				wait = p.cfg.ErrorBackoff
			}
		}
		if !sleep(ctx, wait) {
			p.log.Info("planner stopped")
			return ctx.Err()
		}
	}
}

// PlanOnce evaluates the current ratio and returns the trade it queued, if
// any.
func (p *Planner) PlanOnce(ctx context.Context) (*models.Trade, error) {
	sample, err := p.ratios.GetRatio(ctx, p.pairID)
	if errors.Is(err, store.ErrNil) {
		return nil, errNoRatio
	}
	if err != nil {
		return nil, fmt.Errorf("read ratio: %w", err)
	}

	deviation := math.Abs(sample.Ratio - p.cfg.TargetRatio)
	log := p.log.WithFields(logger.Fields{"ratio": sample.Ratio, "target": p.cfg.TargetRatio})
	if deviation <= p.cfg.Threshold {
		log.Debug("ratio within threshold")
		return nil, nil
	}

	last := sample.Ratio
	trade := &models.Trade{
		ID:          uuid.New(),
		State:       models.TradePending,
		PairID:      p.pairID,
		RatioTarget: p.cfg.TargetRatio,
		RatioLast:   &last,
		Size:        p.cfg.Size,
	}
	if err := p.trades.Upsert(ctx, trade); err != nil {
		return nil, err
	}
	if err := p.pending.Push(ctx, trade.ID.String()); err != nil {
		return nil, fmt.Errorf("queue trade %s: %w", trade.ID, err)
	}
	logger.Incr(logger.TradesPlanned, 1)
	log.WithField("trade_id", trade.ID.String()).Info("trading opportunity, trade queued")
	return trade, nil
}
