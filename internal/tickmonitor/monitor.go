// Package tickmonitor tracks the two legs of a pair, derives the pair ratio
// and broadcasts it to matchers.
package tickmonitor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/internal/gate"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
	"github.com/coinlordd/pear-limit-engine/reader/hyperliquid"
	"github.com/coinlordd/pear-limit-engine/reader/wsclient"
)

// Publisher is the part of the shared store the monitor writes to.
type Publisher interface {
	SetTick(ctx context.Context, tick models.Tick) error
	SetRatio(ctx context.Context, sample models.RatioSample) error
	Publish(ctx context.Context, channel string, v any) error
}

type Monitor struct {
	pair    appconfig.PairConfig
	pub     Publisher
	gate    *gate.Gate
	channel string
	log     *logger.Entry

	mu     sync.Mutex
	prices map[string]float64
	lastTS int64
}

func New(pair appconfig.PairConfig, pub Publisher, g *gate.Gate, channel string) *Monitor {
	return &Monitor{
		pair:    pair,
		pub:     pub,
		gate:    g,
		channel: channel,
		log:     logger.GetLogger().WithComponent("tick_monitor").WithFields(logger.Fields{"pair": pair.ID}),
		prices:  make(map[string]float64),
	}
}

// OnPrice records the price of one leg. Once both legs are known it stores
// the ratio and publishes it when the gate lets it through.
func (m *Monitor) OnPrice(ctx context.Context, asset string, price float64, at time.Time) error {
	if asset != m.pair.AssetA && asset != m.pair.AssetB {
		return fmt.Errorf("asset %s is not a leg of %s", asset, m.pair.ID)
	}
	if price <= 0 {
		return fmt.Errorf("asset %s: non-positive price %v", asset, price)
	}
	if err := m.pub.SetTick(ctx, models.Tick{AssetID: asset, Price: price, Timestamp: at.UnixMilli()}); err != nil {
		return fmt.Errorf("store tick %s: %w", asset, err)
	}

	m.mu.Lock()
	m.prices[asset] = price
	a, okA := m.prices[m.pair.AssetA]
	b, okB := m.prices[m.pair.AssetB]
	if !okA || !okB {
		m.mu.Unlock()
		return nil
	}
	sample := models.NewRatioSample(m.pair.ID, a, b, at)
	// Samples are identified by timestamp downstream, so keep them strictly
	// increasing even when both legs update within the same millisecond.
	if sample.Timestamp <= m.lastTS {
		sample.Timestamp = m.lastTS + 1
	}
	m.lastTS = sample.Timestamp
	m.mu.Unlock()

	if err := m.pub.SetRatio(ctx, sample); err != nil {
		return fmt.Errorf("store ratio: %w", err)
	}
	if !m.gate.Offer(sample) {
		logger.Incr(logger.RatiosSuppressed, 1)
		return nil
	}
	if err := m.pub.Publish(ctx, m.channel, sample); err != nil {
		return fmt.Errorf("publish ratio: %w", err)
	}
	logger.Incr(logger.RatiosPublished, 1)
	m.log.WithFields(logger.Fields{
		"ratio":   sample.Ratio,
		"price_a": a,
		"price_b": b,
	}).Debug("published ratio")
	return nil
}

// RunSimulated drives both legs from a random walk around fixed bases
// (A in [100,105), B in [150,155)) every interval until ctx is done.
func (m *Monitor) RunSimulated(ctx context.Context, interval time.Duration, rnd *rand.Rand) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.log.WithField("interval", interval).Info("starting simulated feed")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := time.Now()
		priceA := 100 + rnd.Float64()*5
		priceB := 150 + rnd.Float64()*5
		if err := m.OnPrice(ctx, m.pair.AssetA, priceA, now); err != nil {
			m.log.WithError(err).Error("failed to record price")
		} else if err := m.OnPrice(ctx, m.pair.AssetB, priceB, now); err != nil {
			m.log.WithError(err).Error("failed to record price")
		}

		select {
		case <-ctx.Done():
			m.log.Info("simulated feed stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunHyperliquid follows the l2Book mid price of both legs until ctx is
// done or the client gives up reconnecting.
func (m *Monitor) RunHyperliquid(ctx context.Context, client *hyperliquid.Client) error {
	for _, asset := range []string{m.pair.AssetA, m.pair.AssetB} {
		asset := asset
		client.Book(asset, func(book models.Book) error {
			mid, err := book.Mid()
			if err != nil {
				return err
			}
			ts := book.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			return m.OnPrice(ctx, asset, mid, ts)
		})
	}
	client.On(wsclient.EventError, func(ev wsclient.Event) {
		m.log.WithError(ev.Err).Warn("feed error")
	})
	client.On(wsclient.EventOpen, func(wsclient.Event) {
		m.log.Info("feed connected")
	})

	if err := client.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		_ = client.Close()
		<-client.Done()
		return nil
	case <-client.Done():
		return fmt.Errorf("hyperliquid feed stopped: %w", wsclient.ErrRetriesExhausted)
	}
}
