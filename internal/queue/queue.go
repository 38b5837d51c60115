// Package queue hands trade ids between pipeline stages over Redis lists.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/coinlordd/pear-limit-engine/internal/store"
	"github.com/coinlordd/pear-limit-engine/logger"
)

const (
	Pending = "pending_trades"
	Partial = "partial_trades"
)

// Queue is a FIFO of ids.
type Queue interface {
	Name() string
	Push(ctx context.Context, id string) error
	// Pop returns ok=false when the queue is empty.
	Pop(ctx context.Context) (id string, ok bool, err error)
}

// List is a Queue backed by a Redis list: producers LPUSH, consumers RPOP.
type List struct {
	st   *store.Store
	name string
}

func NewList(st *store.Store, name string) *List {
	return &List{st: st, name: name}
}

func (l *List) Name() string { return l.name }

func (l *List) Push(ctx context.Context, id string) error {
	return l.st.LPush(ctx, l.name, id)
}

func (l *List) Pop(ctx context.Context) (string, bool, error) {
	id, err := l.st.RPop(ctx, l.name)
	if errors.Is(err, store.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ConsumeOptions controls the polling loop.
type ConsumeOptions struct {
	// Idle is slept when the queue is empty.
	Idle time.Duration
	// ErrorBackoff is slept after a pop or handler error.
	ErrorBackoff time.Duration
}

// Handler processes one id. A returned error puts the id back at the tail
// of the queue so it is retried after the ids already waiting.
type Handler func(ctx context.Context, id string) error

// Consume pops ids from q until ctx is cancelled. Errors never stop the
// loop; it backs off and tries again.
func Consume(ctx context.Context, q Queue, opts ConsumeOptions, fn Handler) error {
	if opts.Idle <= 0 {
		opts.Idle = 2 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	log := logger.GetLogger().WithComponent("queue").WithField("queue", q.Name())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		id, ok, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Error("pop failed")
			if !sleep(ctx, opts.ErrorBackoff) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			log.Debug("queue empty, waiting")
			if !sleep(ctx, opts.Idle) {
				return ctx.Err()
			}
			continue
		}

		if err := fn(ctx, id); err != nil {
			log.WithError(err).WithField("id", id).Error("handler failed, requeueing")
			if perr := q.Push(context.WithoutCancel(ctx), id); perr != nil {
				log.WithError(perr).WithField("id", id).Error("requeue failed")
			}
			if !sleep(ctx, opts.ErrorBackoff) {
				return ctx.Err()
			}
		}
	}
}

// sleep waits d or until ctx is done; it reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
