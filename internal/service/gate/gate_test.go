package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/mailbox"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// MockBlocklist is a mock implementation of Blocklist
type MockBlocklist struct {
	mock.Mock
}

func (m *MockBlocklist) IsBlocked(ctx context.Context, uid, partnerID string) (bool, error) {
	args := m.Called(ctx, uid, partnerID)
	return args.Bool(0), args.Error(1)
}

// stubView reports a fixed on-call-view state
type stubView struct {
	mu     sync.Mutex
	onCall bool
}

func (v *stubView) OnCallView(uid string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.onCall
}

// notifyRecorder collects gate notifications
type notifyRecorder struct {
	mu    sync.Mutex
	calls []*domain.IncomingCall
}

func (r *notifyRecorder) fn(call *domain.IncomingCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *notifyRecorder) last() (*domain.IncomingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil, false
	}
	return r.calls[len(r.calls)-1], true
}

func (r *notifyRecorder) all() []*domain.IncomingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.IncomingCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func validOffer(from string, ts int64) *domain.Offer {
	return &domain.Offer{
		Kind:  domain.CallKindVideo,
		From:  from,
		Offer: domain.SessionDescription{Type: "offer", SDP: "v=0"},
		TS:    ts,
	}
}

func TestGateSurfacesIncomingOffer(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	blocklist.On("IsBlocked", mock.Anything, "bob", "alice").Return(false, nil)
	rec := &notifyRecorder{}

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	require.NoError(t, mbox.Publish(context.Background(), mailbox.OfferPath("bob", "s1"), validOffer("alice", 100)))

	require.Eventually(t, func() bool {
		call, ok := rec.last()
		return ok && call != nil && call.SessionID == "s1"
	}, waitFor, tick)
	assert.Equal(t, StatePending, g.CurrentState())

	pending := g.Pending()
	require.NotNil(t, pending)
	assert.Equal(t, "alice", pending.Offer.From)
}

func TestGatePicksOldestEntryByKey(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	blocklist.On("IsBlocked", mock.Anything, "bob", mock.Anything).Return(false, nil)
	rec := &notifyRecorder{}
	ctx := context.Background()

	// Both entries exist before the gate starts watching
	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s2"), validOffer("carol", 200)))
	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s1"), validOffer("alice", 100)))

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	require.Eventually(t, func() bool {
		call, ok := rec.last()
		return ok && call != nil
	}, waitFor, tick)
	call, _ := rec.last()
	assert.Equal(t, "s1", call.SessionID)
}

func TestGateAutoRejectsBlockedCaller(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	blocklist.On("IsBlocked", mock.Anything, "bob", "mallory").Return(true, nil)
	rec := &notifyRecorder{}
	ctx := context.Background()

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s1"), validOffer("mallory", 100)))

	// The entry is deleted without ever being surfaced, and the gate
	// settles back to idle once the inbox is empty again
	require.Eventually(t, func() bool {
		_, ok, err := mbox.Get(ctx, mailbox.OfferPath("bob", "s1"))
		return err == nil && !ok
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return g.CurrentState() == StateIdle
	}, waitFor, tick)
	assert.Nil(t, g.Pending())
	for _, call := range rec.all() {
		assert.Nil(t, call)
	}
}

func TestGateStopWithoutPendingStaysSilent(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	rec := &notifyRecorder{}

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(context.Background()))
	g.Stop()

	// Nothing was ever surfaced, so Stop has nothing to clear
	assert.Empty(t, rec.all())
}

func TestGateLeavesEntryWhileOnCallView(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	blocklist.On("IsBlocked", mock.Anything, "bob", "alice").Return(false, nil)
	rec := &notifyRecorder{}
	ctx := context.Background()

	g := New(mbox, "bob", blocklist, &stubView{onCall: true}, rec.fn, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s1"), validOffer("alice", 100)))

	// Give the watcher time to run, then confirm nothing surfaced and the
	// entry survived
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, g.Pending())

	_, ok, err := mbox.Get(ctx, mailbox.OfferPath("bob", "s1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateRemovesInvalidOffer(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	rec := &notifyRecorder{}
	ctx := context.Background()

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	// Missing SDP payload
	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s1"), map[string]any{"type": "video", "from": "alice", "ts": 1}))

	require.Eventually(t, func() bool {
		_, ok, err := mbox.Get(ctx, mailbox.OfferPath("bob", "s1"))
		return err == nil && !ok
	}, waitFor, tick)
	assert.Nil(t, g.Pending())
}

func TestGateRejectRemovesEntryAndClearsPending(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	blocklist.On("IsBlocked", mock.Anything, "bob", "alice").Return(false, nil)
	rec := &notifyRecorder{}
	ctx := context.Background()

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s1"), validOffer("alice", 100)))
	require.Eventually(t, func() bool { return g.Pending() != nil }, waitFor, tick)

	require.NoError(t, g.Reject(ctx, "s1"))

	_, ok, err := mbox.Get(ctx, mailbox.OfferPath("bob", "s1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, g.Pending())
	assert.Equal(t, StateIdle, g.CurrentState())
}

func TestGateClaimHandsOverPendingCall(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	blocklist.On("IsBlocked", mock.Anything, "bob", "alice").Return(false, nil)
	rec := &notifyRecorder{}
	ctx := context.Background()

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s1"), validOffer("alice", 100)))
	require.Eventually(t, func() bool { return g.Pending() != nil }, waitFor, tick)

	call := g.Claim()
	require.NotNil(t, call)
	assert.Equal(t, "s1", call.SessionID)
	assert.Nil(t, g.Pending())

	// The inbox entry is untouched; the session layer owns it now
	_, ok, err := mbox.Get(ctx, mailbox.OfferPath("bob", "s1"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Nil(t, g.Claim())
}

func TestGateClearsWhenInboxEmpties(t *testing.T) {
	mbox := mailbox.NewMemory()
	defer mbox.Close()
	blocklist := new(MockBlocklist)
	blocklist.On("IsBlocked", mock.Anything, "bob", "alice").Return(false, nil)
	rec := &notifyRecorder{}
	ctx := context.Background()

	g := New(mbox, "bob", blocklist, &stubView{}, rec.fn, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	require.NoError(t, mbox.Publish(ctx, mailbox.OfferPath("bob", "s1"), validOffer("alice", 100)))
	require.Eventually(t, func() bool { return g.Pending() != nil }, waitFor, tick)

	// Caller gave up and deleted the offer
	require.NoError(t, mbox.Remove(ctx, mailbox.OfferPath("bob", "s1")))

	require.Eventually(t, func() bool { return g.Pending() == nil }, waitFor, tick)
	call, ok := rec.last()
	require.True(t, ok)
	assert.Nil(t, call)
}
