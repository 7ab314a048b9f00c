package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Backpressure policies for slow consumers. Both evict; they differ in
// whether the queue gets a chance to flush before the close.
const (
	PolicyFailFast = "fail_fast"
	PolicyDrain    = "drain"
)

// Recorder is the optional persistence collaborator. Record failures never
// block or fail delivery; Recent is only consulted at join time.
type Recorder interface {
	Record(ctx context.Context, msg *Message) error
	Recent(ctx context.Context, roomID string, limit int) ([]Message, error)
}

// Config carries the engine's tunables, filled from the process config.
type Config struct {
	QueueCapacity      int
	MaxPayloadBytes    int
	IdleTimeout        time.Duration
	DrainTimeout       time.Duration
	HistoryLimit       int
	BackpressurePolicy string
}

// Engine is the process-wide connection and fanout supervisor: it owns the
// connection table and room registry, runs dispatch, and drives eviction and
// teardown. One Engine lives for the life of the process.
type Engine struct {
	cfg      Config
	registry *Registry
	recorder Recorder

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewEngine(cfg Config, recorder Recorder) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: NewRegistry(),
		recorder: recorder,
		conns:    make(map[string]*Connection),
	}
}

// Bootstrap takes an authenticated transport, creates its Connection, moves
// it to Active and starts the writer pump. The caller owns the reader side.
func (e *Engine) Bootstrap(identity Identity, transport Transport) (*Connection, error) {
	c := NewConnection(identity, transport, e.cfg.QueueCapacity)
	if err := c.Activate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.conns[c.id] = c
	e.mu.Unlock()

	go c.writeLoop(func(failed *Connection) {
		e.CloseConnection(failed, ReasonTransport)
	})

	zap.L().Info("chat.connected",
		zap.String("conn_id", c.id),
		zap.String("user_id", identity.ID),
	)
	return c, nil
}

// Join adds the connection to the room and backfills recent history onto its
// queue, best-effort. Returns ErrNotActive for a connection that is already
// draining or closed.
func (e *Engine) Join(c *Connection, roomID string) error {
	if err := e.registry.Join(roomID, c); err != nil {
		return err
	}
	zap.L().Debug("chat.join",
		zap.String("conn_id", c.id),
		zap.String("room_id", roomID),
	)

	if e.recorder == nil || e.cfg.HistoryLimit <= 0 {
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		recent, err := e.recorder.Recent(ctx, roomID, e.cfg.HistoryLimit)
		if err != nil {
			zap.L().Warn("chat.history_backfill", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		if len(recent) == 0 {
			return
		}
		_ = c.Send(Frame{Event: EventHistory, Body: recent})
	}()
	return nil
}

// Leave removes the connection from one room.
func (e *Engine) Leave(c *Connection, roomID string) {
	e.registry.Leave(roomID, c)
}

// Dispatch validates the payload, then fans the message out to the room's
// current member snapshot, sender included. A member whose queue is full is
// put on the eviction path without affecting anyone else; the dispatch
// itself only fails for validation or membership reasons, before any side
// effect.
func (e *Engine) Dispatch(sender *Connection, roomID string, payload json.RawMessage) (*Message, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, ErrPayloadInvalid
	}
	if len(payload) > e.cfg.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	msg, overflowed, err := e.registry.dispatch(roomID, sender, payload)
	if err != nil {
		return nil, err
	}

	for _, slow := range overflowed {
		e.evict(slow, ReasonSlowConsumer)
	}

	if e.recorder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.recorder.Record(ctx, msg); err != nil {
				zap.L().Warn("chat.record", zap.String("room_id", msg.RoomID), zap.Error(err))
			}
		}()
	}
	return msg, nil
}

// evict moves a connection to Draining, attempts a best-effort disconnect
// notice directly on the transport (its queue may be the problem), and
// schedules the close. Runs at most once per connection; later callers lose
// the Active -> Draining race and return immediately.
func (e *Engine) evict(c *Connection, reason string) {
	if !c.beginDrain() {
		return
	}
	zap.L().Info("chat.evict",
		zap.String("conn_id", c.id),
		zap.String("reason", reason),
	)

	// Direct to the transport: the queue is likely the problem. Off this
	// goroutine so a wedged peer cannot stall the dispatching caller.
	go func() {
		_ = c.transport.WriteFrame(Frame{Event: EventDisconnect, Body: DisconnectBody{Reason: reason}})
	}()

	if e.cfg.BackpressurePolicy == PolicyDrain {
		go func() {
			timer := time.NewTimer(e.cfg.DrainTimeout)
			defer timer.Stop()
			if len(c.out) == 0 {
				c.signalFlushed()
			}
			select {
			case <-c.flushed:
			case <-timer.C:
			case <-c.done:
			}
			e.CloseConnection(c, reason)
		}()
		return
	}
	e.CloseConnection(c, reason)
}

// CloseConnection tears a connection down: terminal state, one leave per
// joined room, table removal, transport close. Idempotent; every exit path
// (client close, transport error, eviction, shutdown) funnels through here.
func (e *Engine) CloseConnection(c *Connection, reason string) {
	if !c.markClosed() {
		return
	}

	rooms := e.registry.LeaveAll(c)

	e.mu.Lock()
	delete(e.conns, c.id)
	e.mu.Unlock()

	_ = c.transport.Close(reason)

	zap.L().Info("chat.closed",
		zap.String("conn_id", c.id),
		zap.String("reason", reason),
		zap.Int("rooms_left", len(rooms)),
	)
}

// Run drives the idle sweeper until the context is cancelled, then shuts
// every remaining connection down. Start once at service boot.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return
		case <-tk.C:
			e.sweepIdle()
		}
	}
}

func (e *Engine) sweepIdle() {
	now := time.Now()
	for _, c := range e.connSnapshot() {
		if c.IdleSince(now) > e.cfg.IdleTimeout {
			e.evict(c, ReasonIdleTimeout)
		}
	}
}

// Shutdown closes every live connection with a shutdown notice.
func (e *Engine) Shutdown() {
	for _, c := range e.connSnapshot() {
		_ = c.transport.WriteFrame(Frame{Event: EventDisconnect, Body: DisconnectBody{Reason: ReasonShutdown}})
		e.CloseConnection(c, ReasonShutdown)
	}
}

func (e *Engine) connSnapshot() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stats reports live connection, room and member counts.
func (e *Engine) Stats() (conns, rooms, members int) {
	e.mu.Lock()
	conns = len(e.conns)
	e.mu.Unlock()
	rooms, members = e.registry.Stats()
	return conns, rooms, members
}
