package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"peercall-backend/pkg/errors"
)

// node is one vertex of the path tree. A node may carry both a stored value
// and children (an offer entry plus its answer slot); rendering overlays the
// children onto the value object.
type node struct {
	value    json.RawMessage
	children map[string]*node
}

type memWatcher struct {
	path  []string
	value ValueFunc
	child ChildFunc
	seen  map[string]bool
}

type deferredWrite struct {
	epoch string
	value json.RawMessage
}

// Memory is an in-process Mailbox used by tests and single-node deployments.
// All subscription callbacks are dispatched from one goroutine, giving the
// single logical dispatch thread the session layer assumes.
type Memory struct {
	mu      sync.Mutex
	root    *node
	seq     uint64
	nextID  int
	closed  bool
	pending []func()

	watchers     map[int]*memWatcher
	connWatchers map[int]ConnFunc

	connected bool
	epoch     string
	deferred  map[string]deferredWrite

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemory creates a connected in-memory mailbox
func NewMemory() *Memory {
	m := &Memory{
		root:         &node{children: make(map[string]*node)},
		watchers:     make(map[int]*memWatcher),
		connWatchers: make(map[int]ConnFunc),
		connected:    true,
		epoch:        uuid.New().String(),
		deferred:     make(map[string]deferredWrite),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Close stops the dispatch goroutine. All subsequent operations fail with
// TRANSPORT_UNAVAILABLE.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	m.wg.Wait()
}

func (m *Memory) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			fns := m.pending
			m.pending = nil
			m.mu.Unlock()
			if len(fns) == 0 {
				break
			}
			for _, fn := range fns {
				fn()
			}
		}
	}
}

// enqueueLocked appends callbacks to the dispatch queue. Caller holds mu.
func (m *Memory) enqueueLocked(fns ...func()) {
	m.pending = append(m.pending, fns...)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Publish implements Mailbox
func (m *Memory) Publish(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.InvalidInputError("unmarshalable mailbox value: " + err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.TransportUnavailableError(nil)
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return errors.InvalidInputError("empty mailbox path")
	}
	m.setLocked(segs, raw)
	m.notifyLocked(segs)
	return nil
}

// Push implements Mailbox. Keys are zero-padded sequence numbers so that
// lexicographic key order is insertion order.
func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", errors.InvalidInputError("unmarshalable mailbox value: " + err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errors.TransportUnavailableError(nil)
	}
	m.seq++
	key := fmt.Sprintf("%016d", m.seq)
	segs := append(splitPath(path), key)
	m.setLocked(segs, raw)
	m.notifyLocked(segs)
	return key, nil
}

// AllocateKey implements Mailbox.
func (m *Memory) AllocateKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errors.TransportUnavailableError(nil)
	}
	m.seq++
	return fmt.Sprintf("%016d", m.seq), nil
}

// Get implements Mailbox
func (m *Memory) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, errors.TransportUnavailableError(nil)
	}
	raw, ok := render(m.nodeAt(splitPath(path)))
	return raw, ok, nil
}

// Remove implements Mailbox
func (m *Memory) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.TransportUnavailableError(nil)
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return errors.InvalidInputError("empty mailbox path")
	}
	if m.removeLocked(segs) {
		m.notifyLocked(segs)
	}
	return nil
}

// Watch implements Mailbox. The current value is delivered immediately.
func (m *Memory) Watch(path string, fn ValueFunc) (UnsubscribeFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.TransportUnavailableError(nil)
	}
	m.nextID++
	id := m.nextID
	w := &memWatcher{path: splitPath(path), value: fn}
	m.watchers[id] = w
	raw, ok := render(m.nodeAt(w.path))
	m.enqueueLocked(func() { fn(raw, ok) })
	return m.unsubscribe(id), nil
}

// WatchChildren implements Mailbox. Existing children are replayed in key
// order before new additions are delivered.
func (m *Memory) WatchChildren(path string, fn ChildFunc) (UnsubscribeFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.TransportUnavailableError(nil)
	}
	m.nextID++
	id := m.nextID
	w := &memWatcher{path: splitPath(path), child: fn, seen: make(map[string]bool)}
	m.watchers[id] = w
	m.deliverChildrenLocked(w)
	return m.unsubscribe(id), nil
}

func (m *Memory) unsubscribe(id int) UnsubscribeFunc {
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// OnDisconnect implements Mailbox
func (m *Memory) OnDisconnect(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.InvalidInputError("unmarshalable mailbox value: " + err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.TransportUnavailableError(nil)
	}
	m.deferred[path] = deferredWrite{epoch: m.epoch, value: raw}
	return nil
}

// CancelDisconnect implements Mailbox
func (m *Memory) CancelDisconnect(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.TransportUnavailableError(nil)
	}
	delete(m.deferred, path)
	return nil
}

// WatchConnection implements Mailbox
func (m *Memory) WatchConnection(fn ConnFunc) UnsubscribeFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.connWatchers[id] = fn
	state := ConnState{Connected: m.connected, Epoch: m.epoch}
	m.enqueueLocked(func() { fn(state) })
	return func() {
		m.mu.Lock()
		delete(m.connWatchers, id)
		m.mu.Unlock()
	}
}

// Disconnect simulates the transport connection dropping. Deferred writes are
// not applied until SweepDeferred observes the lapsed connection.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.closed {
		return
	}
	m.connected = false
	m.notifyConnLocked()
}

// Reconnect simulates the transport coming back with a fresh connection
// epoch. Deferred writes registered under older epochs are descoped and will
// never fire.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected || m.closed {
		return
	}
	m.connected = true
	m.epoch = uuid.New().String()
	for path, d := range m.deferred {
		if d.epoch != m.epoch {
			delete(m.deferred, path)
		}
	}
	m.notifyConnLocked()
}

// SweepDeferred applies deferred writes whose connection has lapsed. This is
// the dead-man's-switch: it only fires while the registering epoch is still
// the current one and the connection is down.
func (m *Memory) SweepDeferred() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected || m.closed {
		return
	}
	for path, d := range m.deferred {
		if d.epoch != m.epoch {
			delete(m.deferred, path)
			continue
		}
		segs := splitPath(path)
		m.setLocked(segs, d.value)
		m.notifyLocked(segs)
		delete(m.deferred, path)
	}
}

func (m *Memory) notifyConnLocked() {
	state := ConnState{Connected: m.connected, Epoch: m.epoch}
	for _, fn := range m.connWatchers {
		fn := fn
		m.enqueueLocked(func() { fn(state) })
	}
}

// notifyLocked schedules deliveries for every watcher whose path is related
// to the changed path (ancestor or descendant)
func (m *Memory) notifyLocked(changed []string) {
	for _, w := range m.watchers {
		if !isPrefix(w.path, changed) && !isPrefix(changed, w.path) {
			continue
		}
		if w.value != nil {
			raw, ok := render(m.nodeAt(w.path))
			fn := w.value
			m.enqueueLocked(func() { fn(raw, ok) })
		}
		if w.child != nil {
			m.deliverChildrenLocked(w)
		}
	}
}

// deliverChildrenLocked reconciles a child watcher against the current child
// set: forgets removed keys (so a re-add is re-delivered) and delivers unseen
// keys in key order
func (m *Memory) deliverChildrenLocked(w *memWatcher) {
	parent := m.nodeAt(w.path)
	existing := make(map[string]bool)
	var keys []string
	if parent != nil {
		for k := range parent.children {
			existing[k] = true
			keys = append(keys, k)
		}
	}
	for k := range w.seen {
		if !existing[k] {
			delete(w.seen, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if w.seen[k] {
			continue
		}
		raw, ok := render(parent.children[k])
		if !ok {
			continue
		}
		w.seen[k] = true
		key, fn := k, w.child
		m.enqueueLocked(func() { fn(key, raw) })
	}
}

func (m *Memory) nodeAt(segs []string) *node {
	n := m.root
	for _, s := range segs {
		if n == nil || n.children == nil {
			return nil
		}
		n = n.children[s]
	}
	return n
}

func (m *Memory) setLocked(segs []string, raw json.RawMessage) {
	n := m.root
	for _, s := range segs {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[s]
		if !ok {
			child = &node{}
			n.children[s] = child
		}
		n = child
	}
	n.value = raw
}

// removeLocked deletes the subtree at segs, pruning ancestors left with
// neither value nor children. Reports whether anything was removed.
func (m *Memory) removeLocked(segs []string) bool {
	chain := make([]*node, 0, len(segs)+1)
	n := m.root
	chain = append(chain, n)
	for _, s := range segs {
		if n == nil || n.children == nil {
			return false
		}
		n = n.children[s]
		chain = append(chain, n)
	}
	if n == nil {
		return false
	}
	delete(chain[len(chain)-2].children, segs[len(segs)-1])
	for i := len(chain) - 2; i > 0; i-- {
		p := chain[i]
		if p.value != nil || len(p.children) > 0 {
			break
		}
		delete(chain[i-1].children, segs[i-1])
	}
	return true
}

// render materializes the JSON value of a subtree. A node holding both a
// value object and children renders as the object overlaid with the child
// renders.
func render(n *node) (json.RawMessage, bool) {
	if n == nil {
		return nil, false
	}
	if len(n.children) == 0 {
		if n.value == nil {
			return nil, false
		}
		return n.value, true
	}
	merged := make(map[string]json.RawMessage)
	if n.value != nil {
		// Non-object values are shadowed by the children
		_ = json.Unmarshal(n.value, &merged)
	}
	for k, c := range n.children {
		if raw, ok := render(c); ok {
			merged[k] = raw
		}
	}
	if len(merged) == 0 {
		return nil, false
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return raw, true
}
