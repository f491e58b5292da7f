package mailbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// valueRecorder collects Watch deliveries
type valueRecorder struct {
	mu      sync.Mutex
	values  []json.RawMessage
	removed int
}

func (r *valueRecorder) fn(raw json.RawMessage, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.values = append(r.values, raw)
	} else {
		r.removed++
	}
}

func (r *valueRecorder) lastValue() (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return nil, false
	}
	return r.values[len(r.values)-1], true
}

func (r *valueRecorder) removals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// childRecorder collects WatchChildren deliveries in arrival order
type childRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *childRecorder) fn(key string, raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *childRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func TestRenderOverlaysChildrenOntoValue(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	offer := map[string]any{"type": "video", "from": "alice"}
	require.NoError(t, m.Publish(ctx, "inbox/bob/s1", offer))
	require.NoError(t, m.Publish(ctx, "inbox/bob/s1/answer", map[string]any{"type": "answer", "sdp": "x"}))

	raw, ok, err := m.Get(ctx, "inbox/bob/s1")
	require.NoError(t, err)
	require.True(t, ok)

	var merged map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &merged))
	assert.Contains(t, merged, "type")
	assert.Contains(t, merged, "from")
	assert.Contains(t, merged, "answer")
}

func TestPushKeysFollowInsertionOrder(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	k1, err := m.Push(ctx, "iceCandidates/s1/caller", "a")
	require.NoError(t, err)
	k2, err := m.Push(ctx, "iceCandidates/s1/caller", "b")
	require.NoError(t, err)
	k3, err := m.Push(ctx, "iceCandidates/s1/caller", "c")
	require.NoError(t, err)

	assert.Less(t, k1, k2)
	assert.Less(t, k2, k3)
}

func TestWatchDeliversInitialUpdatesAndRemoval(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec := &valueRecorder{}
	unsub, err := m.Watch("presence/alice", rec.fn)
	require.NoError(t, err)
	defer unsub()

	// Initial delivery reports an absent path as a removal
	require.Eventually(t, func() bool { return rec.removals() == 1 }, waitFor, tick)

	require.NoError(t, m.Publish(ctx, "presence/alice", map[string]string{"state": "online"}))
	require.Eventually(t, func() bool {
		_, ok := rec.lastValue()
		return ok
	}, waitFor, tick)
	raw, _ := rec.lastValue()
	assert.JSONEq(t, `{"state":"online"}`, string(raw))

	require.NoError(t, m.Remove(ctx, "presence/alice"))
	require.Eventually(t, func() bool { return rec.removals() == 2 }, waitFor, tick)
}

func TestWatchChildrenReplaysExistingInKeyOrder(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	// Inserted out of key order on purpose
	require.NoError(t, m.Publish(ctx, "iceCandidates/s1/callee/zzz", "late"))
	require.NoError(t, m.Publish(ctx, "iceCandidates/s1/callee/aaa", "early"))

	rec := &childRecorder{}
	unsub, err := m.WatchChildren("iceCandidates/s1/callee", rec.fn)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"aaa", "zzz"}, rec.seen())

	_, err = m.Push(ctx, "iceCandidates/s1/callee", "new")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.seen()) == 3 }, waitFor, tick)
}

func TestWatchChildrenRedeliversReAddedKey(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec := &childRecorder{}
	unsub, err := m.WatchChildren("inbox/bob", rec.fn)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.Publish(ctx, "inbox/bob/s1", map[string]string{"from": "alice"}))
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, waitFor, tick)

	require.NoError(t, m.Remove(ctx, "inbox/bob/s1"))
	require.NoError(t, m.Publish(ctx, "inbox/bob/s1", map[string]string{"from": "carol"}))
	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"s1", "s1"}, rec.seen())
}

func TestRemovePrunesEmptyAncestors(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "inbox/bob/s1", "offer"))
	require.NoError(t, m.Remove(ctx, "inbox/bob/s1"))

	_, ok, err := m.Get(ctx, "inbox/bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveAbsentPathIsNoOp(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	assert.NoError(t, m.Remove(context.Background(), "inbox/nobody/sX"))
	assert.NoError(t, m.Remove(context.Background(), "inbox/nobody/sX"))
}

func TestDeferredWriteAppliesAfterConnectionLapse(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "presence/alice", map[string]string{"state": "online"}))
	require.NoError(t, m.OnDisconnect(ctx, "presence/alice", map[string]string{"state": "offline"}))

	// Still connected: nothing applied
	m.SweepDeferred()
	raw, ok, err := m.Get(ctx, "presence/alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"online"}`, string(raw))

	m.Disconnect()
	m.SweepDeferred()

	raw, ok, err = m.Get(ctx, "presence/alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"offline"}`, string(raw))
}

func TestReconnectDescopesStaleDeferredWrite(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "presence/alice", map[string]string{"state": "online"}))
	require.NoError(t, m.OnDisconnect(ctx, "presence/alice", map[string]string{"state": "offline"}))

	// Connection drops and recovers before any sweep runs
	m.Disconnect()
	m.Reconnect()
	require.NoError(t, m.Publish(ctx, "presence/alice", map[string]string{"state": "online"}))

	// A later lapse must not apply the stale registration
	m.Disconnect()
	m.SweepDeferred()

	raw, ok, err := m.Get(ctx, "presence/alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"online"}`, string(raw))
}

func TestCancelDisconnectDropsRegistration(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "presence/alice", map[string]string{"state": "online"}))
	require.NoError(t, m.OnDisconnect(ctx, "presence/alice", map[string]string{"state": "offline"}))
	require.NoError(t, m.CancelDisconnect(ctx, "presence/alice"))

	m.Disconnect()
	m.SweepDeferred()

	raw, _, err := m.Get(ctx, "presence/alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"online"}`, string(raw))
}

func TestClosedMailboxRejectsOperations(t *testing.T) {
	m := NewMemory()
	m.Close()
	ctx := context.Background()

	err := m.Publish(ctx, "inbox/bob/s1", "x")
	assert.Error(t, err)

	_, err = m.Push(ctx, "inbox/bob", "x")
	assert.Error(t, err)

	_, _, err = m.Get(ctx, "inbox/bob")
	assert.Error(t, err)

	_, err = m.Watch("inbox/bob", func(json.RawMessage, bool) {})
	assert.Error(t, err)
}
