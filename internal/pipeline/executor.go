package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/internal/queue"
	"github.com/coinlordd/pear-limit-engine/internal/repository"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

const (
	ordersPerExecution = 2
	fillRate           = 0.7
	priceVariance      = 0.02
)

// Executor places the orders of pending trades. Fills are simulated: 70% of
// the size at the target ratio within +/-2%.
type Executor struct {
	cfg     appconfig.ConsumerConfig
	trades  repository.TradeRepository
	pending queue.Queue
	partial queue.Queue
	rnd     *lockedRand
	now     func() time.Time
	log     *logger.Entry
}

func NewExecutor(cfg appconfig.ConsumerConfig, trades repository.TradeRepository, pending, partial queue.Queue) *Executor {
	return &Executor{
		cfg:     cfg,
		trades:  trades,
		pending: pending,
		partial: partial,
		rnd:     newLockedRand(time.Now().UnixNano()),
		now:     time.Now,
		log:     logger.GetLogger().WithComponent("executor"),
	}
}

func (e *Executor) Run(ctx context.Context) error {
	e.log.Info("starting executor")
	return queue.Consume(ctx, e.pending, queue.ConsumeOptions{
		Idle:         e.cfg.Idle,
		ErrorBackoff: e.cfg.ErrorBackoff,
	}, e.Execute)
}

// Execute processes one trade id popped from the pending queue.
func (e *Executor) Execute(ctx context.Context, id string) error {
	log := e.log.WithField("trade_id", id)
	tradeID, err := parseTradeID(id)
	if err != nil {
		log.WithError(err).Warn("dropping malformed trade id")
		return nil
	}

	trade, err := e.trades.Find(ctx, tradeID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("trade not found in database")
		return nil
	}
	if err != nil {
		return err
	}
	// executing means an earlier attempt was interrupted; resume it.
	if trade.State != models.TradePending && trade.State != models.TradeExecuting {
		log.WithField("state", trade.State).Info("trade already executed, skipping")
		return nil
	}

	if err := e.trades.UpdateState(ctx, tradeID, models.TradeExecuting, nil); err != nil {
		return err
	}
	fields := logger.Fields{"target": trade.RatioTarget, "size": trade.Size}
	if trade.RatioLast != nil {
		fields["last"] = *trade.RatioLast
	}
	log.WithFields(fields).Info("placing orders")

	if !sleep(ctx, e.rnd.between(e.cfg.MinDelay, e.cfg.MaxDelay)) {
		return ctx.Err()
	}

	exec := models.ExecutionResult{
		OrdersPlaced: ordersPerExecution,
		FilledAmount: trade.Size * fillRate,
		AvgPrice:     trade.RatioTarget * (1 - priceVariance + e.rnd.Float64()*2*priceVariance),
		Timestamp:    e.now().UnixMilli(),
	}
	if err := e.trades.UpdateState(ctx, tradeID, models.TradePartial, models.NewExecutionResult(exec)); err != nil {
		return err
	}
	if err := e.partial.Push(ctx, id); err != nil {
		return fmt.Errorf("queue trade %s for finalization: %w", id, err)
	}

	logger.Incr(logger.TradesExecuted, 1)
	log.WithFields(logger.Fields{
		"orders_placed": exec.OrdersPlaced,
		"filled":        exec.FilledAmount,
		"avg_price":     exec.AvgPrice,
	}).Info("trade executed partially")
	return nil
}
