package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		QueueCapacity:      8,
		MaxPayloadBytes:    1024,
		IdleTimeout:        time.Minute,
		DrainTimeout:       50 * time.Millisecond,
		HistoryLimit:       0,
		BackpressurePolicy: PolicyFailFast,
	}
}

func bootstrap(t *testing.T, e *Engine, userID string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c, err := e.Bootstrap(Identity{ID: userID}, tr)
	require.NoError(t, err)
	return c, tr
}

func payload(s string) json.RawMessage {
	return json.RawMessage(`"` + s + `"`)
}

func seqsOf(msgs []*Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func TestDispatchFanoutScenario(t *testing.T) {
	e := NewEngine(testConfig(), nil)

	c1, t1 := bootstrap(t, e, "u1")
	c2, t2 := bootstrap(t, e, "u2")
	e.Join(c1, "r1")
	e.Join(c2, "r1")

	msg, err := e.Dispatch(c1, "r1", payload("hi"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)

	require.True(t, t1.waitMessages(1), "sender receives its own message")
	require.True(t, t2.waitMessages(1))
	assert.Equal(t, "u1", t2.messages()[0].Sender.ID)
	assert.JSONEq(t, `"hi"`, string(t2.messages()[0].Payload))

	// a late joiner sees later sequence numbers only
	c3, t3 := bootstrap(t, e, "u3")
	e.Join(c3, "r1")

	msg, err = e.Dispatch(c2, "r1", payload("yo"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg.Seq)

	require.True(t, t1.waitMessages(2))
	require.True(t, t2.waitMessages(2))
	require.True(t, t3.waitMessages(1))

	assert.Equal(t, []uint64{1, 2}, seqsOf(t1.messages()))
	assert.Equal(t, []uint64{1, 2}, seqsOf(t2.messages()))
	assert.Equal(t, []uint64{2}, seqsOf(t3.messages()), "no delivery from before the join")
}

func TestDispatchSnapshotExactness(t *testing.T) {
	e := NewEngine(testConfig(), nil)

	a, ta := bootstrap(t, e, "a")
	b, tb := bootstrap(t, e, "b")
	e.Join(a, "r1")
	e.Join(b, "r1")

	_, err := e.Dispatch(a, "r1", payload("one"))
	require.NoError(t, err)

	// membership changes after the dispatch must not affect it
	d, td := bootstrap(t, e, "d")
	e.Join(d, "r1")
	e.Leave(a, "r1")

	require.True(t, ta.waitMessages(1), "a was in the snapshot, delivery still happens")
	require.True(t, tb.waitMessages(1))

	_, err = e.Dispatch(b, "r1", payload("two"))
	require.NoError(t, err)
	require.True(t, td.waitMessages(1))

	assert.Equal(t, []uint64{1}, seqsOf(ta.messages()), "a left before the second dispatch")
	assert.Equal(t, []uint64{2}, seqsOf(td.messages()), "d only sees messages after joining")
	require.True(t, tb.waitMessages(2))
	assert.Equal(t, []uint64{1, 2}, seqsOf(tb.messages()))
}

func TestDispatchValidation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadBytes = 16
	e := NewEngine(cfg, nil)

	c, tr := bootstrap(t, e, "u1")
	e.Join(c, "r1")

	_, err := e.Dispatch(c, "r1", nil)
	assert.ErrorIs(t, err, ErrPayloadInvalid)

	_, err = e.Dispatch(c, "r1", json.RawMessage(`{"broken`))
	assert.ErrorIs(t, err, ErrPayloadInvalid)

	_, err = e.Dispatch(c, "r1", payload(strings.Repeat("x", 64)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// rejected dispatches consumed no sequence numbers
	msg, err := e.Dispatch(c, "r1", payload("ok"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
	require.True(t, tr.waitMessages(1))
}

func TestDispatchFromNonMember(t *testing.T) {
	e := NewEngine(testConfig(), nil)

	member, mt := bootstrap(t, e, "m")
	stranger, _ := bootstrap(t, e, "s")
	e.Join(member, "r1")

	_, err := e.Dispatch(stranger, "r1", payload("nope"))
	assert.ErrorIs(t, err, ErrNotAMember)

	// nothing reached the room
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, mt.messages())
}

func TestSlowConsumerEviction(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	e := NewEngine(cfg, nil)

	c1, t1 := bootstrap(t, e, "u1")
	e.Join(c1, "r1")

	// c2's peer never reads: its writer takes one frame and wedges
	stalled := newStalledTransport()
	defer stalled.release()
	c2, err := e.Bootstrap(Identity{ID: "u2"}, stalled)
	require.NoError(t, err)
	e.Join(c2, "r1")

	c3, t3 := bootstrap(t, e, "u3")
	e.Join(c3, "r1")

	_, err = e.Dispatch(c1, "r1", payload("m1"))
	require.NoError(t, err)
	require.True(t, waitFor(func() bool { return stalled.writeAttempts() == 1 }),
		"c2's writer should be wedged mid-write")

	// queue capacity 2 fills up behind the wedged write
	_, err = e.Dispatch(c1, "r1", payload("m2"))
	require.NoError(t, err)
	_, err = e.Dispatch(c1, "r1", payload("m3"))
	require.NoError(t, err)

	// the overflowing enqueue evicts c2 but the dispatch itself succeeds
	_, err = e.Dispatch(c1, "r1", payload("m4"))
	require.NoError(t, err)

	require.True(t, waitFor(func() bool { return e.registry.MemberCount("r1") == 2 }),
		"slow consumer removed from the room")
	require.True(t, waitFor(func() bool { return c2.State() == StateClosed }))
	assert.Equal(t, ReasonSlowConsumer, stalled.closeReason())

	// the healthy members saw every message, in order
	require.True(t, t1.waitMessages(4))
	require.True(t, t3.waitMessages(4))
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqsOf(t1.messages()))
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqsOf(t3.messages()))
}

func TestJoinAfterCloseIsRefused(t *testing.T) {
	e := NewEngine(testConfig(), nil)

	healthy, ht := bootstrap(t, e, "u1")
	e.Join(healthy, "r1")

	ghost, _ := bootstrap(t, e, "u2")
	e.CloseConnection(ghost, ReasonClientClose)

	// a join landing after the close path's leave-all must not re-add the
	// connection; nothing would ever remove it again
	require.ErrorIs(t, e.Join(ghost, "r1"), ErrNotActive)
	assert.Equal(t, 1, e.registry.MemberCount("r1"))
	assert.False(t, ghost.inRoom("r1"))

	// delivery to the remaining member is unaffected
	msg, err := e.Dispatch(healthy, "r1", payload("still here"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
	require.True(t, ht.waitMessages(1))
}

func TestCloseConnectionIdempotent(t *testing.T) {
	e := NewEngine(testConfig(), nil)

	c, tr := bootstrap(t, e, "u1")
	e.Join(c, "r1")
	e.Join(c, "r2")

	e.CloseConnection(c, ReasonClientClose)
	e.CloseConnection(c, ReasonClientClose)

	assert.Equal(t, 1, tr.closeCount(), "transport closed exactly once")
	assert.Equal(t, 0, e.registry.MemberCount("r1"))
	assert.Equal(t, 0, e.registry.MemberCount("r2"))

	conns, rooms, _ := e.Stats()
	assert.Equal(t, 0, conns)
	assert.Equal(t, 0, rooms)
}

func TestIdleSweep(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	e := NewEngine(cfg, nil)

	c, tr := bootstrap(t, e, "u1")
	e.Join(c, "r1")

	time.Sleep(25 * time.Millisecond)
	e.sweepIdle()

	require.True(t, waitFor(func() bool { return c.State() == StateClosed }))
	assert.Equal(t, ReasonIdleTimeout, tr.closeReason())
	assert.True(t, tr.waitEvent(EventDisconnect), "best-effort notice attempted")
}

func TestDrainPolicyFlushesBeforeClose(t *testing.T) {
	cfg := testConfig()
	cfg.BackpressurePolicy = PolicyDrain
	cfg.DrainTimeout = time.Second
	e := NewEngine(cfg, nil)

	c, tr := bootstrap(t, e, "u1")
	e.Join(c, "r1")
	_, err := e.Dispatch(c, "r1", payload("pending"))
	require.NoError(t, err)

	e.evict(c, ReasonIdleTimeout)

	require.True(t, waitFor(func() bool { return c.State() == StateClosed }))
	assert.True(t, tr.waitMessages(1), "queued frame flushed before the close")
}

func TestShutdownClosesEverything(t *testing.T) {
	e := NewEngine(testConfig(), nil)

	c1, t1 := bootstrap(t, e, "u1")
	c2, t2 := bootstrap(t, e, "u2")
	e.Join(c1, "r1")
	e.Join(c2, "r2")

	e.Shutdown()

	assert.Equal(t, StateClosed, c1.State())
	assert.Equal(t, StateClosed, c2.State())
	assert.Equal(t, ReasonShutdown, t1.closeReason())
	assert.Equal(t, ReasonShutdown, t2.closeReason())

	conns, rooms, members := e.Stats()
	assert.Zero(t, conns)
	assert.Zero(t, rooms)
	assert.Zero(t, members)
}

// recorderStub captures Record calls and serves canned history.
type recorderStub struct {
	mu       sync.Mutex
	recorded []*Message
	recent   []Message
}

func (r *recorderStub) Record(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, m)
	return nil
}

func (r *recorderStub) Recent(_ context.Context, _ string, _ int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recent, nil
}

func (r *recorderStub) recordedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recorded)
}

func TestJoinBackfillsHistory(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 10
	rec := &recorderStub{recent: []Message{
		{RoomID: "r1", Seq: 1, Payload: payload("old")},
		{RoomID: "r1", Seq: 2, Payload: payload("older")},
	}}
	e := NewEngine(cfg, rec)

	c, tr := bootstrap(t, e, "u1")
	e.Join(c, "r1")

	require.True(t, tr.waitEvent(EventHistory))
}

func TestDispatchRecordsMessage(t *testing.T) {
	cfg := testConfig()
	rec := &recorderStub{}
	e := NewEngine(cfg, rec)

	c, _ := bootstrap(t, e, "u1")
	e.Join(c, "r1")

	_, err := e.Dispatch(c, "r1", payload("hi"))
	require.NoError(t, err)
	require.True(t, waitFor(func() bool { return rec.recordedCount() == 1 }))
}
