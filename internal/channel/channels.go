// Package channel holds the in-process channels between pipeline stages.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

type ChannelStats struct {
	SettledSent    int64
	SettledDropped int64
}

// Channels carries settled trades from the finalizer to the archive writer.
type Channels struct {
	Settled chan models.Trade

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(settledBufferSize int) *Channels {
	if settledBufferSize < 1 {
		settledBufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		Settled: make(chan models.Trade, settledBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"settled_buffer_size": settledBufferSize,
	}).Info("channels initialized")

	return c
}

// SendSettled never blocks: when the buffer is full the trade is dropped
// from the archive (it stays in the database) and counted.
func (c *Channels) SendSettled(ctx context.Context, trade models.Trade) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Settled <- trade:
		c.statsMutex.Lock()
		c.stats.SettledSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("settled", 1)
		return true
	default:
		c.statsMutex.Lock()
		c.stats.SettledDropped++
		c.statsMutex.Unlock()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"trade_id": trade.ID.String(),
		}).Warn("settled channel full, trade not archived")
		return false
	}
}

// StartMetricsReporting logs channel statistics every interval until ctx
// is done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"settled_sent":        stats.SettledSent,
		"settled_dropped":     stats.SettledDropped,
		"settled_channel_len": len(c.Settled),
		"settled_channel_cap": cap(c.Settled),
	}).Info("channel statistics")
}

// Close closes the channels once. Senders must have stopped.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Settled)
		c.log.WithComponent("channels").Info("all channels closed")
	})
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
