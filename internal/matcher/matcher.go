// Package matcher turns crossed limit orders into pending trades.
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/coinlordd/pear-limit-engine/internal/orderindex"
	"github.com/coinlordd/pear-limit-engine/internal/queue"
	"github.com/coinlordd/pear-limit-engine/internal/repository"
	"github.com/coinlordd/pear-limit-engine/internal/store"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
	"github.com/coinlordd/pear-limit-engine/processor"
)

// tradeNamespace derives trade ids from order ids, so matching the same
// order twice addresses the same trade.
var tradeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pear-limit-engine/order"))

// TradeID returns the trade id assigned to orderID.
func TradeID(orderID string) uuid.UUID {
	return uuid.NewSHA1(tradeNamespace, []byte(orderID))
}

type Matcher struct {
	index       orderindex.Index
	trades      repository.TradeRepository
	pending     queue.Queue
	defaultSize float64
	log         *logger.Entry
}

func New(index orderindex.Index, trades repository.TradeRepository, pending queue.Queue, defaultSize float64) *Matcher {
	return &Matcher{
		index:       index,
		trades:      trades,
		pending:     pending,
		defaultSize: defaultSize,
		log:         logger.GetLogger().WithComponent("matcher"),
	}
}

// Handle matches one ratio sample. Each crossed order is persisted as a
// pending trade, queued for execution and then removed from the index.
// A failure on one order does not stop the others; the order stays in the
// index and is retried on the next sample that crosses it.
func (m *Matcher) Handle(ctx context.Context, s models.RatioSample) error {
	orders, err := m.index.MatchAt(ctx, s.PairID, s.Ratio)
	if err != nil {
		return fmt.Errorf("match %s at %v: %w", s.PairID, s.Ratio, err)
	}
	log := m.log.WithFields(logger.Fields{"pair": s.PairID, "ratio": s.Ratio})
	if len(orders) == 0 {
		log.Debug("no orders crossed")
		return nil
	}
	log.WithField("matched", len(orders)).Info("matched orders")

	var errs []error
	handed := 0
	for _, o := range orders {
		if err := m.handoff(ctx, s, o); err != nil {
			log.WithError(err).WithField("order_id", o.ID).Error("failed to hand off order")
			errs = append(errs, err)
			continue
		}
		handed++
	}
	logger.Incr(logger.OrdersMatched, int64(handed))
	return errors.Join(errs...)
}

func (m *Matcher) handoff(ctx context.Context, s models.RatioSample, o models.LimitOrder) error {
	id := TradeID(o.ID)

	existing, err := m.trades.Find(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		size := o.Size
		if size == 0 {
			size = m.defaultSize
		}
		last := s.Ratio
		trade := &models.Trade{
			ID:          id,
			State:       models.TradePending,
			PairID:      o.PairID,
			OrderID:     o.ID,
			RatioTarget: o.TriggerRatio,
			RatioLast:   &last,
			Size:        size,
		}
		if err := m.trades.Upsert(ctx, trade); err != nil {
			return err
		}
		if err := m.pending.Push(ctx, id.String()); err != nil {
			return fmt.Errorf("queue trade %s: %w", id, err)
		}
	case err != nil:
		return err
	case existing.State == models.TradePending:
		// An earlier attempt may have stopped before queueing; the executor
		// ignores trades that already left pending.
		if err := m.pending.Push(ctx, id.String()); err != nil {
			return fmt.Errorf("queue trade %s: %w", id, err)
		}
	}

	if err := m.index.Remove(ctx, o.PairID, o.ID); err != nil {
		return fmt.Errorf("remove order %s: %w", o.ID, err)
	}
	return nil
}

// Run feeds every sample published on channel through a coalescing
// processor until ctx is cancelled, then waits for in-flight runs.
func (m *Matcher) Run(ctx context.Context, st *store.Store, channel string) error {
	proc := processor.NewStreamProcessor(context.WithoutCancel(ctx), m.Handle)

	sub, err := st.Subscribe(ctx, channel, func(b []byte) error {
		var s models.RatioSample
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode ratio sample: %w", err)
		}
		if s.PairID == "" {
			return fmt.Errorf("ratio sample without pair id")
		}
		proc.OnUpdate(s)
		return nil
	})
	if err != nil {
		return err
	}
	m.log.WithField("channel", channel).Info("subscribed to ratio channel")

	<-ctx.Done()
	_ = sub.Close()
	proc.Wait()

	stats := proc.Stats()
	m.log.WithFields(logger.Fields{
		"received":  stats.Received,
		"processed": stats.Processed,
		"coalesced": stats.Coalesced,
		"failed":    stats.Failed,
	}).Info("matcher stopped")
	return nil
}
