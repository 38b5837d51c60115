package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

// SampleHandler processes one ratio sample.
type SampleHandler func(ctx context.Context, s models.RatioSample) error

// Stats counts processor activity since construction.
type Stats struct {
	Received  int64
	Processed int64
	Coalesced int64
	Failed    int64
}

// StreamProcessor runs handler at most once at a time per pair, always on the
// freshest sample. Samples that arrive while a run is in flight overwrite one
// another; when the run ends the processor re-reads the latest sample and runs
// again if it is newer, whether the previous attempt succeeded or not.
type StreamProcessor struct {
	handler SampleHandler
	log     *logger.Log

	mu     sync.Mutex
	latest map[string]models.RatioSample
	busy   map[string]bool
	ctx    context.Context
	wg     sync.WaitGroup

	received  atomic.Int64
	processed atomic.Int64
	coalesced atomic.Int64
	failed    atomic.Int64
}

// NewStreamProcessor builds a processor whose handler runs with ctx. Runs
// already in flight are not interrupted when ctx ends.
func NewStreamProcessor(ctx context.Context, handler SampleHandler) *StreamProcessor {
	return &StreamProcessor{
		handler: handler,
		log:     logger.GetLogger(),
		latest:  make(map[string]models.RatioSample),
		busy:    make(map[string]bool),
		ctx:     ctx,
	}
}

// OnUpdate records s as the latest sample of its pair and starts a run for
// the pair unless one is already active.
func (p *StreamProcessor) OnUpdate(s models.RatioSample) {
	p.received.Add(1)

	p.mu.Lock()
	p.latest[s.PairID] = s
	if p.busy[s.PairID] {
		p.mu.Unlock()
		p.coalesced.Add(1)
		logger.Incr(logger.SamplesCoalesced, 1)
		return
	}
	p.busy[s.PairID] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.drain(s.PairID)
}

// Consume feeds every sample from in to OnUpdate until ctx is done or in is
// closed.
func (p *StreamProcessor) Consume(ctx context.Context, in <-chan models.RatioSample) {
	log := p.log.WithComponent("stream_processor").WithFields(logger.Fields{"worker": "consume"})
	log.Info("starting stream processor")
	for {
		select {
		case <-ctx.Done():
			log.Info("stream processor stopped due to context cancellation")
			return
		case s, ok := <-in:
			if !ok {
				log.Info("sample channel closed, stream processor stopping")
				return
			}
			p.OnUpdate(s)
		}
	}
}

// Wait blocks until no pair has an active run.
func (p *StreamProcessor) Wait() {
	p.wg.Wait()
}

// Busy reports whether pairID has an active run.
func (p *StreamProcessor) Busy(pairID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy[pairID]
}

func (p *StreamProcessor) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Processed: p.processed.Load(),
		Coalesced: p.coalesced.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *StreamProcessor) drain(pairID string) {
	defer p.wg.Done()

	p.mu.Lock()
	cur, ok := p.latest[pairID]
	if !ok {
		delete(p.busy, pairID)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for {
		p.process(cur)

		p.mu.Lock()
		next, ok := p.latest[pairID]
		if !ok || next.Timestamp == cur.Timestamp {
			delete(p.busy, pairID)
			p.mu.Unlock()
			return
		}
		cur = next
		p.mu.Unlock()
	}
}

func (p *StreamProcessor) process(s models.RatioSample) {
	log := p.log.WithComponent("stream_processor").WithFields(logger.Fields{
		"pair":      s.PairID,
		"ratio":     s.Ratio,
		"timestamp": s.Timestamp,
	})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return p.handler(p.ctx, s)
	}()

	p.processed.Add(1)
	logger.Incr(logger.SamplesProcessed, 1)
	if err != nil {
		p.failed.Add(1)
		log.WithError(err).Error("failed to process sample")
		return
	}
	log.Debug("sample processed")
}
