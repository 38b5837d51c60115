// Package wsclient implements a reconnecting websocket client that
// multiplexes many keyed subscriptions over one connection. Wire details are
// supplied by a Protocol; the client owns the connection lifecycle, the
// subscription registry, outbound buffering, idle detection and dispatch.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/coinlordd/pear-limit-engine/logger"
)

type handlerEntry[M any] struct {
	id uint64
	fn Handler[M]
}

type subscription[P, M any] struct {
	Subscription[P]
	seq      uint64
	handlers []handlerEntry[M]
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Client is safe for concurrent use. Handlers and listeners run on the read
// goroutine and may call back into the client.
type Client[P, M any] struct {
	opts  Options
	proto Protocol[P, M]
	log   *logger.Entry

	mu        sync.Mutex
	state     State
	conn      Conn
	subs      map[string]*subscription[P, M]
	subSeq    uint64
	outbox    *outbox
	flushStop chan struct{}
	hbStop    chan struct{}
	started   bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc

	lmu       sync.RWMutex
	listeners map[EventType][]listenerEntry

	ids           atomic.Uint64
	lastMessageAt atomic.Int64
	limiter       *rate.Limiter
	backoff       *backoff.Backoff
	done          chan struct{}
}

// New builds a client. Nothing is dialled until Start.
func New[P, M any](proto Protocol[P, M], opts Options) *Client[P, M] {
	opts = opts.withDefaults()
	c := &Client[P, M]{
		opts:      opts,
		proto:     proto,
		log:       logger.GetLogger().WithComponent(opts.Name).WithFields(logger.Fields{"url": opts.URL}),
		state:     StateConnecting,
		subs:      make(map[string]*subscription[P, M]),
		outbox:    newOutbox(opts.OutboxCapacity),
		listeners: make(map[EventType][]listenerEntry),
		backoff: &backoff.Backoff{
			Min:    opts.MinReconnectDelay,
			Max:    opts.MaxReconnectDelay,
			Factor: opts.ReconnectGrowFactor,
		},
		done: make(chan struct{}),
	}
	if opts.SendRatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.SendRatePerSecond), opts.SendBurst)
	}
	return c
}

// Start connects in the background and keeps reconnecting until Close is
// called, ctx is cancelled or MaxRetries is exhausted.
func (c *Client[P, M]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run(c.ctx)
	return nil
}

// Close tears down the connection and every timer. It is idempotent and does
// not wait; use Done for that.
func (c *Client[P, M]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()
	c.stopFlushTimerLocked()
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if !started {
		close(c.done)
	}
	return nil
}

// Done is closed once the connection loop has exited.
func (c *Client[P, M]) Done() <-chan struct{} {
	return c.done
}

func (c *Client[P, M]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a lifecycle listener and returns a func that removes it.
func (c *Client[P, M]) On(t EventType, fn Listener) func() {
	id := c.ids.Add(1)
	c.lmu.Lock()
	c.listeners[t] = append(c.listeners[t], listenerEntry{id: id, fn: fn})
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			defer c.lmu.Unlock()
			ls := c.listeners[t]
			for i, l := range ls {
				if l.id == id {
					c.listeners[t] = append(ls[:i:i], ls[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe registers h under the key derived from payload. A subscribe
// frame goes out only when the key gains its first handler. The returned
// func removes this handler alone.
func (c *Client[P, M]) Subscribe(payload P, h Handler[M]) func() {
	key := c.proto.SubscriptionKey(payload)
	id := c.ids.Add(1)

	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.subSeq++
		sub = &subscription[P, M]{
			Subscription: Subscription[P]{Key: key, Payload: payload},
			seq:          c.subSeq,
		}
		c.subs[key] = sub
	}
	sub.handlers = append(sub.handlers, handlerEntry[M]{id: id, fn: h})
	if len(sub.handlers) == 1 && !c.closed {
		c.sendLocked(c.encode(c.proto.SubscribeMessage(sub.Subscription)))
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeHandlers(key, func(hid uint64) bool { return hid == id })
		})
	}
}

// Unsubscribe removes every handler of key.
func (c *Client[P, M]) Unsubscribe(key string) {
	c.removeHandlers(key, func(uint64) bool { return true })
}

func (c *Client[P, M]) removeHandlers(key string, match func(uint64) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[key]
	if !ok {
		return
	}
	kept := make([]handlerEntry[M], 0, len(sub.handlers))
	for _, h := range sub.handlers {
		if !match(h.id) {
			kept = append(kept, h)
		}
	}
	sub.handlers = kept
	if len(kept) > 0 {
		return
	}

	delete(c.subs, key)
	if !c.closed {
		c.sendLocked(c.encode(c.proto.UnsubscribeMessage(sub.Subscription)))
	}
}

// Send writes msg as JSON, or queues it in the outbox while disconnected.
func (c *Client[P, M]) Send(msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sendLocked(frame)
	return nil
}

// Subscriptions returns the registered keys in registration order.
func (c *Client[P, M]) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.orderedSubsLocked()
	keys := make([]string, len(subs))
	for i, s := range subs {
		keys[i] = s.Key
	}
	return keys
}

// OutboxLen reports how many frames are waiting for a connection.
func (c *Client[P, M]) OutboxLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbox.len()
}

func (c *Client[P, M]) run(ctx context.Context) {
	defer close(c.done)
	defer c.Close()

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if retries > 0 {
			if c.opts.MaxRetries > 0 && retries > c.opts.MaxRetries {
				c.log.WithField("max_retries", c.opts.MaxRetries).Error("reconnect attempts exhausted, giving up")
				c.emit(Event{Type: EventError, Err: ErrRetriesExhausted})
				return
			}
			delay := c.backoff.Duration()
			c.log.WithFields(logger.Fields{"attempt": retries, "delay": delay.String()}).Info("reconnecting websocket")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		c.setState(StateConnecting)
		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retries++
			c.log.WithError(err).Warn("failed to connect websocket")
			c.emit(Event{Type: EventError, Err: err})
			continue
		}
		if !c.open(conn) {
			conn.Close()
			return
		}
		retries = 0
		c.backoff.Reset()

		err = c.readLoop(conn)
		if c.detach(conn, err) {
			return
		}
		logger.Incr(logger.Reconnects, 1)
		retries = 1
	}
}

// open installs conn, flushes the outbox in FIFO order, replays every
// subscription and starts the heartbeat. It reports false when the client
// was closed while dialling.
func (c *Client[P, M]) open(conn Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.lastMessageAt.Store(time.Now().UnixNano())

	pending := c.outbox.len()
	if c.flushLocked() {
		for _, sub := range c.orderedSubsLocked() {
			c.sendLocked(c.encode(c.proto.SubscribeMessage(sub.Subscription)))
		}
	}
	if c.state == StateOpen {
		c.hbStop = make(chan struct{})
		go c.heartbeat(conn, c.hbStop)
	}
	subs := len(c.subs)
	c.mu.Unlock()

	c.log.WithFields(logger.Fields{"flushed": pending, "resubscribed": subs}).Info("websocket connected")
	c.emit(Event{Type: EventOpen})
	return true
}

// detach clears conn after its read loop ended and reports whether the
// client itself was closed.
func (c *Client[P, M]) detach(conn Conn, err error) bool {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.stopHeartbeatLocked()
	closed := c.closed
	if !closed {
		c.state = StateClosed
	}
	c.mu.Unlock()

	conn.Close()
	if !closed {
		c.log.WithError(err).Warn("websocket disconnected")
	}
	c.emit(Event{Type: EventClose, Err: err})
	return closed
}

func (c *Client[P, M]) readLoop(conn Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.lastMessageAt.Store(time.Now().UnixNano())
		logger.Incr(logger.FramesReceived, 1)
		c.handleFrame(frame)
	}
}

func (c *Client[P, M]) handleFrame(frame []byte) {
	var raw any
	if err := json.Unmarshal(frame, &raw); err != nil {
		c.log.WithError(err).Error("failed to decode frame")
		raw = string(frame)
	}
	c.emit(Event{Type: EventMessage, Raw: raw})

	for _, d := range c.parse(frame) {
		for _, h := range c.handlersFor(d.Key) {
			c.invoke(d.Key, h, d.Message)
		}
	}
}

func (c *Client[P, M]) parse(frame []byte) (out []Dispatch[M]) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("protocol parser panicked")
			out = nil
		}
	}()

	dispatches, err := c.proto.ParseIncoming(frame)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			c.log.WithError(err).Warn("protocol error from remote")
			c.emit(Event{Type: EventError, Err: err})
		} else {
			c.log.WithError(err).Error("failed to parse frame")
		}
		return nil
	}
	return dispatches
}

func (c *Client[P, M]) handlersFor(key string) []Handler[M] {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[key]
	if !ok {
		return nil
	}
	out := make([]Handler[M], len(sub.handlers))
	for i, h := range sub.handlers {
		out[i] = h.fn
	}
	return out
}

func (c *Client[P, M]) invoke(key string, h Handler[M], msg M) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logger.Fields{"key": key, "panic": r}).Error("subscription handler panicked")
		}
	}()
	if err := h(msg); err != nil {
		c.log.WithError(err).WithField("key", key).Error("subscription handler failed")
	}
}

func (c *Client[P, M]) emit(ev Event) {
	c.lmu.RLock()
	ls := append([]listenerEntry(nil), c.listeners[ev.Type]...)
	c.lmu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithFields(logger.Fields{"event": string(ev.Type), "panic": r}).Error("event listener panicked")
				}
			}()
			l.fn(ev)
		}()
	}
}

func (c *Client[P, M]) heartbeat(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastMessageAt.Load()))
			if idle > c.opts.IdleTimeout {
				c.log.WithField("idle", idle.String()).Warn("websocket idle, forcing reconnect")
				conn.Close()
				return
			}
			c.emit(Event{Type: EventHealth, Idle: idle})
		}
	}
}

func (c *Client[P, M]) setState(s State) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client[P, M]) encode(msg any) []byte {
	if msg == nil {
		return nil
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("failed to encode control message")
		return nil
	}
	return frame
}

// sendLocked writes frame when open and queues it otherwise. A failed write
// queues the frame and drops the connection so the reconnect path runs.
func (c *Client[P, M]) sendLocked(frame []byte) {
	if frame == nil {
		return
	}
	if c.state == StateOpen && c.conn != nil {
		err := c.writeLocked(frame)
		if err == nil {
			return
		}
		c.log.WithError(err).Warn("write failed, queueing frame")
		c.dropConnLocked()
	}
	c.enqueueLocked(frame)
}

func (c *Client[P, M]) writeLocked(frame []byte) error {
	if c.limiter != nil && c.ctx != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client[P, M]) enqueueLocked(frame []byte) {
	if c.outbox.push(frame) {
		logger.Incr(logger.OutboxDropped, 1)
		c.log.WithField("capacity", c.opts.OutboxCapacity).Warn("outbox full, dropped oldest frame")
	}
	if c.opts.FlushInterval > 0 && c.flushStop == nil && !c.closed {
		c.flushStop = make(chan struct{})
		go c.flushLoop(c.flushStop)
	}
}

// flushLocked drains the outbox while the connection is open and reports
// whether it ended empty.
func (c *Client[P, M]) flushLocked() bool {
	for c.outbox.len() > 0 {
		if c.state != StateOpen || c.conn == nil {
			return false
		}
		if err := c.writeLocked(c.outbox.peek()); err != nil {
			c.log.WithError(err).Warn("failed to flush outbox")
			c.dropConnLocked()
			return false
		}
		c.outbox.pop()
	}
	c.stopFlushTimerLocked()
	return true
}

func (c *Client[P, M]) flushLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.state == StateOpen {
				c.flushLocked()
			}
			c.mu.Unlock()
		}
	}
}

// dropConnLocked closes the live transport; its read loop then reports the
// disconnect and the run loop reconnects.
func (c *Client[P, M]) dropConnLocked() {
	c.state = StateClosed
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client[P, M]) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Client[P, M]) stopFlushTimerLocked() {
	if c.flushStop != nil {
		close(c.flushStop)
		c.flushStop = nil
	}
}

func (c *Client[P, M]) orderedSubsLocked() []*subscription[P, M] {
	subs := make([]*subscription[P, M], 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}
