package pipeline

import (
	"context"
	"errors"
	"time"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/internal/queue"
	"github.com/coinlordd/pear-limit-engine/internal/repository"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

// Finalizer settles partially executed trades and hands them to the
// archive.
type Finalizer struct {
	cfg     appconfig.ConsumerConfig
	trades  repository.TradeRepository
	partial queue.Queue
	archive Archive
	rnd     *lockedRand
	now     func() time.Time
	log     *logger.Entry
}

// NewFinalizer builds a finalizer; archive may be nil.
func NewFinalizer(cfg appconfig.ConsumerConfig, trades repository.TradeRepository, partial queue.Queue, archive Archive) *Finalizer {
	return &Finalizer{
		cfg:     cfg,
		trades:  trades,
		partial: partial,
		archive: archive,
		rnd:     newLockedRand(time.Now().UnixNano()),
		now:     time.Now,
		log:     logger.GetLogger().WithComponent("finalizer"),
	}
}

func (f *Finalizer) Run(ctx context.Context) error {
	f.log.Info("starting finalizer")
	return queue.Consume(ctx, f.partial, queue.ConsumeOptions{
		Idle:         f.cfg.Idle,
		ErrorBackoff: f.cfg.ErrorBackoff,
	}, f.Finalize)
}

// Finalize settles one trade id popped from the partial queue.
func (f *Finalizer) Finalize(ctx context.Context, id string) error {
	log := f.log.WithField("trade_id", id)
	tradeID, err := parseTradeID(id)
	if err != nil {
		log.WithError(err).Warn("dropping malformed trade id")
		return nil
	}

	trade, err := f.trades.Find(ctx, tradeID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("trade not found in database")
		return nil
	}
	if err != nil {
		return err
	}
	if trade.State == models.TradeDone || trade.State == models.TradeFailed {
		log.WithField("state", trade.State).Info("trade already final, skipping")
		return nil
	}
	if trade.Result == nil || trade.Result.Execution == nil {
		log.WithField("state", trade.State).Error("trade has no execution result, marking failed")
		if err := f.trades.UpdateState(ctx, tradeID, models.TradeFailed, nil); err != nil {
			return err
		}
		logger.Incr(logger.TradesFailed, 1)
		return nil
	}

	exec := trade.Result.Execution
	log.WithFields(logger.Fields{
		"state":     trade.State,
		"filled":    exec.FilledAmount,
		"avg_price": exec.AvgPrice,
	}).Info("processing final settlement")

	if !sleep(ctx, f.rnd.between(f.cfg.MinDelay, f.cfg.MaxDelay)) {
		return ctx.Err()
	}

	settlement := models.FinalSettlement{
		TotalFilled:     exec.FilledAmount,
		RemainingAmount: trade.Size - exec.FilledAmount,
		FinalPrice:      exec.AvgPrice,
		PnL:             (exec.AvgPrice - trade.RatioTarget) * exec.FilledAmount,
		SettlementTime:  f.now().UnixMilli(),
	}
	result := models.NewSettlementResult(exec, settlement)
	if err := f.trades.UpdateState(ctx, tradeID, models.TradeDone, result); err != nil {
		return err
	}
	logger.Incr(logger.TradesSettled, 1)

	trade.State = models.TradeDone
	trade.Result = result
	if f.archive != nil {
		f.archive.SendSettled(ctx, *trade)
	}

	fillPct := 0.0
	if trade.Size > 0 {
		fillPct = settlement.TotalFilled / trade.Size * 100
	}
	log.WithFields(logger.Fields{
		"target_ratio":   trade.RatioTarget,
		"executed_ratio": settlement.FinalPrice,
		"pnl":            settlement.PnL,
		"fill_rate_pct":  fillPct,
	}).Info("trade summary")
	return nil
}
