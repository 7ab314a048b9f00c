package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of a Connection.
type State int32

const (
	StateConnecting State = iota // handshake/auth in progress
	StateActive                  // normal operation
	StateDraining                // no new sends, queue flushing before close
	StateClosed                  // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the wire side of a connection. The ws adapter implements it
// over a websocket; tests implement it in memory.
type Transport interface {
	WriteFrame(f Frame) error
	Close(reason string) error
}

// Connection binds one live transport to one authenticated identity and owns
// the bounded outbound queue between the fanout engine and the writer pump.
// The queue has exactly one producer path (engine enqueue, under the room
// lock) and one consumer (the connection's own writer).
type Connection struct {
	id        string
	identity  Identity
	transport Transport

	out chan Frame

	mu    sync.Mutex
	state State
	rooms map[string]struct{} // guarded by mu, mutated only via the registry

	done        chan struct{} // closed once on StateClosed
	flushed     chan struct{} // closed by the writer once a draining queue empties
	flushedOnce sync.Once

	lastSeen atomic.Int64 // unix nanos of the last inbound frame
}

// NewConnection returns a connection in StateConnecting with a queue of the
// given capacity. It is not registered anywhere until Engine.Bootstrap.
func NewConnection(identity Identity, transport Transport, queueCapacity int) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		identity:  identity,
		transport: transport,
		out:       make(chan Frame, queueCapacity),
		state:     StateConnecting,
		rooms:     make(map[string]struct{}),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
	}
	c.Touch()
	return c
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) Identity() Identity { return c.identity }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch records inbound activity for the idle sweeper.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// IdleSince reports how long ago the last inbound frame arrived.
func (c *Connection) IdleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// Activate moves a freshly authenticated connection into normal operation.
func (c *Connection) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return ErrInvalidStateTransition
	}
	c.state = StateActive
	return nil
}

// Send enqueues one frame for the writer. It never blocks: a full queue is
// ErrQueueFull and a non-active connection is ErrNotActive; the caller
// decides what either means (the engine evicts on overflow).
func (c *Connection) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNotActive
	}
	select {
	case c.out <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// beginDrain moves Active -> Draining. Reports false when the connection was
// already draining or closed, so eviction runs at most once.
func (c *Connection) beginDrain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	c.state = StateDraining
	return true
}

// markClosed transitions to StateClosed from any live state. The second
// return is false when the connection was closed already (idempotent close).
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	close(c.done)
	return true
}

func (c *Connection) signalFlushed() {
	c.flushedOnce.Do(func() { close(c.flushed) })
}

// joinedRooms is a copy of the room ids this connection is currently in.
func (c *Connection) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

// addRoomIfActive records the membership only while the connection can still
// receive frames. The state check and the joined-set mutation share one
// critical section with markClosed, so a join can never land between the
// close path's terminal transition and its LeaveAll.
func (c *Connection) addRoomIfActive(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNotActive
	}
	c.rooms[roomID] = struct{}{}
	return nil
}

func (c *Connection) removeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Connection) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// writeLoop is the single consumer of the outbound queue. Writes happen here
// and only here, so a stalled peer stalls its own writer and nothing else.
// onError runs once when the transport rejects a write.
func (c *Connection) writeLoop(onError func(*Connection)) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if err := c.transport.WriteFrame(f); err != nil {
				onError(c)
				return
			}
			c.mu.Lock()
			draining := c.state == StateDraining
			c.mu.Unlock()
			if draining && len(c.out) == 0 {
				c.signalFlushed()
			}
		}
	}
}
