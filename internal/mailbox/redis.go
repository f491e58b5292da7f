package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
)

const (
	redisKeyValue    = "mbx:v:"   // JSON value per path
	redisKeyChildren = "mbx:c:"   // child-key set per path
	redisKeySeq      = "mbx:seq"  // push key allocator
	redisKeyOwner    = "mbx:owner:"    // ownerID -> current epoch
	redisKeyHeartbeat = "mbx:hb:"      // epoch heartbeat, TTL-bound
	redisKeyDeferred  = "mbx:def:"     // epoch -> {path: value} hash
	redisKeyDefOwner  = "mbx:defowner:" // epoch -> ownerID
	redisKeyDefIndex  = "mbx:defs"     // set of epochs holding deferred writes

	redisEventsChannel = "mbx:events"

	redisOpTimeout      = 5 * time.Second
	redisHealthInterval = 5 * time.Second
)

// Redis is a Mailbox backed by Redis: a JSON tree in plain keys with per-path
// child indexes, a Pub/Sub change feed, and a connection-epoch heartbeat that
// scopes deferred writes. Subscription callbacks are dispatched from the
// single Pub/Sub consumer goroutine.
type Redis struct {
	client  *redis.Client
	ownerID string

	mu           sync.Mutex
	watchers     map[int]*memWatcher
	connWatchers map[int]ConnFunc
	nextID       int
	connected    bool
	epoch        string
	closed       bool

	localEvents chan string
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewRedis connects a Redis-backed mailbox for one owning participant.
// ownerID scopes deferred writes: a reconnect by the same owner descopes
// registrations left by its previous connection epoch.
func NewRedis(client *redis.Client, ownerID string) (*Redis, error) {
	r := &Redis{
		client:       client,
		ownerID:      ownerID,
		watchers:     make(map[int]*memWatcher),
		connWatchers: make(map[int]ConnFunc),
		localEvents:  make(chan string, 64),
		done:         make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.TransportUnavailableError(err)
	}
	if err := r.beginEpoch(ctx); err != nil {
		return nil, err
	}

	r.wg.Add(2)
	go r.consumeEvents()
	go r.maintainConnection()
	return r, nil
}

// Close stops background goroutines. Deferred writes registered by the
// current epoch stay in place; without further heartbeats the janitor will
// apply them, exactly as if the client vanished.
func (r *Redis) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	r.wg.Wait()
}

// beginEpoch establishes a fresh connection epoch: new epoch ID, owner
// mapping, and heartbeat
func (r *Redis) beginEpoch(ctx context.Context) error {
	epoch := uuid.New().String()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisKeyOwner+r.ownerID, epoch, 0)
	pipe.Set(ctx, redisKeyHeartbeat+epoch, r.ownerID, constants.ConnectionHeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.TransportUnavailableError(err)
	}
	r.mu.Lock()
	r.epoch = epoch
	r.connected = true
	r.mu.Unlock()
	return nil
}

// maintainConnection refreshes the epoch heartbeat and tracks transport
// liveness. A lapse followed by recovery starts a new epoch, which descopes
// deferred writes registered before the lapse.
func (r *Redis) maintainConnection() {
	defer r.wg.Done()
	ticker := time.NewTicker(constants.ConnectionHeartbeatTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		r.mu.Lock()
		epoch := r.epoch
		wasConnected := r.connected
		r.mu.Unlock()

		err := r.client.Set(ctx, redisKeyHeartbeat+epoch, r.ownerID, constants.ConnectionHeartbeatTTL).Err()
		cancel()

		switch {
		case err != nil && wasConnected:
			logger.Warn("Mailbox connection lost", zap.Error(err))
			r.mu.Lock()
			r.connected = false
			r.mu.Unlock()
			r.notifyConn()
		case err == nil && !wasConnected:
			ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
			if err := r.beginEpoch(ctx); err != nil {
				cancel()
				continue
			}
			cancel()
			logger.Info("Mailbox connection restored")
			r.notifyConn()
		}
	}
}

func (r *Redis) notifyConn() {
	r.mu.Lock()
	state := ConnState{Connected: r.connected, Epoch: r.epoch}
	fns := make([]ConnFunc, 0, len(r.connWatchers))
	for _, fn := range r.connWatchers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// consumeEvents is the dispatch thread: every subscription callback runs here
func (r *Redis) consumeEvents() {
	defer r.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.done
		cancel()
	}()

	pubsub := r.client.Subscribe(ctx, redisEventsChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-r.done:
			return
		case path := <-r.localEvents:
			r.handleEvent(path)
		case msg := <-ch:
			if msg == nil {
				continue
			}
			r.handleEvent(msg.Payload)
		}
	}
}

func (r *Redis) handleEvent(path string) {
	changed := splitPath(path)

	r.mu.Lock()
	matched := make([]*memWatcher, 0, 4)
	for _, w := range r.watchers {
		if isPrefix(w.path, changed) || isPrefix(changed, w.path) {
			matched = append(matched, w)
		}
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	for _, w := range matched {
		if w.value != nil {
			raw, ok, err := r.renderPath(ctx, joinPath(w.path))
			if err != nil {
				logger.Warn("Mailbox watch render failed", zap.String("path", joinPath(w.path)), zap.Error(err))
				continue
			}
			w.value(raw, ok)
		}
		if w.child != nil {
			r.deliverChildren(ctx, w)
		}
	}
}

// deliverChildren reconciles one child watcher against the stored child set,
// forgetting removed keys and delivering unseen ones in key order
func (r *Redis) deliverChildren(ctx context.Context, w *memWatcher) {
	parent := joinPath(w.path)
	keys, err := r.client.SMembers(ctx, redisKeyChildren+parent).Result()
	if err != nil {
		logger.Warn("Mailbox child listing failed", zap.String("path", parent), zap.Error(err))
		return
	}
	sort.Strings(keys)

	r.mu.Lock()
	existing := make(map[string]bool, len(keys))
	for _, k := range keys {
		existing[k] = true
	}
	for k := range w.seen {
		if !existing[k] {
			delete(w.seen, k)
		}
	}
	fresh := keys[:0]
	for _, k := range keys {
		if !w.seen[k] {
			w.seen[k] = true
			fresh = append(fresh, k)
		}
	}
	r.mu.Unlock()

	for _, k := range fresh {
		raw, ok, err := r.renderPath(ctx, parent+"/"+k)
		if err != nil || !ok {
			continue
		}
		w.child(k, raw)
	}
}

// Publish implements Mailbox
func (r *Redis) Publish(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.InvalidInputError("unmarshalable mailbox value: " + err.Error())
	}
	return r.writeRaw(ctx, path, raw)
}

func (r *Redis) writeRaw(ctx context.Context, path string, raw json.RawMessage) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return errors.InvalidInputError("empty mailbox path")
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisKeyValue+joinPath(segs), raw, 0)
	for i := 1; i <= len(segs); i++ {
		pipe.SAdd(ctx, redisKeyChildren+joinPath(segs[:i-1]), segs[i-1])
	}
	pipe.Publish(ctx, redisEventsChannel, joinPath(segs))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.TransportUnavailableError(err)
	}
	return nil
}

// Push implements Mailbox
func (r *Redis) Push(ctx context.Context, path string, value any) (string, error) {
	seq, err := r.client.Incr(ctx, redisKeySeq).Result()
	if err != nil {
		return "", errors.TransportUnavailableError(err)
	}
	key := fmt.Sprintf("%016d", seq)
	if err := r.Publish(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

// AllocateKey implements Mailbox
func (r *Redis) AllocateKey(ctx context.Context) (string, error) {
	seq, err := r.client.Incr(ctx, redisKeySeq).Result()
	if err != nil {
		return "", errors.TransportUnavailableError(err)
	}
	return fmt.Sprintf("%016d", seq), nil
}

// Get implements Mailbox
func (r *Redis) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	return r.renderPath(ctx, joinPath(splitPath(path)))
}

// renderPath materializes the subtree at path, overlaying child renders onto
// a stored value object, mirroring Memory's render
func (r *Redis) renderPath(ctx context.Context, path string) (json.RawMessage, bool, error) {
	val, err := r.client.Get(ctx, redisKeyValue+path).Result()
	hasValue := err == nil
	if err != nil && err != redis.Nil {
		return nil, false, errors.TransportUnavailableError(err)
	}
	children, err := r.client.SMembers(ctx, redisKeyChildren+path).Result()
	if err != nil {
		return nil, false, errors.TransportUnavailableError(err)
	}
	if len(children) == 0 {
		if !hasValue {
			return nil, false, nil
		}
		return json.RawMessage(val), true, nil
	}

	merged := make(map[string]json.RawMessage)
	if hasValue {
		_ = json.Unmarshal([]byte(val), &merged)
	}
	for _, k := range children {
		raw, ok, err := r.renderPath(ctx, path+"/"+k)
		if err != nil {
			return nil, false, err
		}
		if ok {
			merged[k] = raw
		}
	}
	if len(merged) == 0 {
		return nil, false, nil
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, false, errors.InternalError(err.Error())
	}
	return raw, true, nil
}

// Remove implements Mailbox
func (r *Redis) Remove(ctx context.Context, path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return errors.InvalidInputError("empty mailbox path")
	}
	if err := r.removeSubtree(ctx, joinPath(segs)); err != nil {
		return err
	}
	if err := r.client.SRem(ctx, redisKeyChildren+joinPath(segs[:len(segs)-1]), segs[len(segs)-1]).Err(); err != nil {
		return errors.TransportUnavailableError(err)
	}
	// Prune ancestors left with neither value nor children
	for i := len(segs) - 1; i > 0; i-- {
		parent := joinPath(segs[:i])
		count, err := r.client.SCard(ctx, redisKeyChildren+parent).Result()
		if err != nil {
			return errors.TransportUnavailableError(err)
		}
		exists, err := r.client.Exists(ctx, redisKeyValue+parent).Result()
		if err != nil {
			return errors.TransportUnavailableError(err)
		}
		if count > 0 || exists > 0 {
			break
		}
		if err := r.client.SRem(ctx, redisKeyChildren+joinPath(segs[:i-1]), segs[i-1]).Err(); err != nil {
			return errors.TransportUnavailableError(err)
		}
	}
	if err := r.client.Publish(ctx, redisEventsChannel, joinPath(segs)).Err(); err != nil {
		return errors.TransportUnavailableError(err)
	}
	return nil
}

func (r *Redis) removeSubtree(ctx context.Context, path string) error {
	children, err := r.client.SMembers(ctx, redisKeyChildren+path).Result()
	if err != nil {
		return errors.TransportUnavailableError(err)
	}
	for _, k := range children {
		if err := r.removeSubtree(ctx, path+"/"+k); err != nil {
			return err
		}
	}
	if err := r.client.Del(ctx, redisKeyValue+path, redisKeyChildren+path).Err(); err != nil {
		return errors.TransportUnavailableError(err)
	}
	return nil
}

// Watch implements Mailbox
func (r *Redis) Watch(path string, fn ValueFunc) (UnsubscribeFunc, error) {
	return r.register(&memWatcher{path: splitPath(path), value: fn})
}

// WatchChildren implements Mailbox
func (r *Redis) WatchChildren(path string, fn ChildFunc) (UnsubscribeFunc, error) {
	return r.register(&memWatcher{path: splitPath(path), child: fn, seen: make(map[string]bool)})
}

func (r *Redis) register(w *memWatcher) (UnsubscribeFunc, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.TransportUnavailableError(nil)
	}
	r.nextID++
	id := r.nextID
	r.watchers[id] = w
	r.mu.Unlock()

	// Initial delivery runs on the dispatch goroutine like any other event
	select {
	case r.localEvents <- joinPath(w.path):
	case <-r.done:
	}

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}, nil
}

// OnDisconnect implements Mailbox
func (r *Redis) OnDisconnect(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.InvalidInputError("unmarshalable mailbox value: " + err.Error())
	}
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, redisKeyDeferred+epoch, joinPath(splitPath(path)), string(raw))
	pipe.Set(ctx, redisKeyDefOwner+epoch, r.ownerID, 0)
	pipe.SAdd(ctx, redisKeyDefIndex, epoch)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.TransportUnavailableError(err)
	}
	return nil
}

// CancelDisconnect implements Mailbox
func (r *Redis) CancelDisconnect(ctx context.Context, path string) error {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()
	if err := r.client.HDel(ctx, redisKeyDeferred+epoch, joinPath(splitPath(path))).Err(); err != nil {
		return errors.TransportUnavailableError(err)
	}
	return nil
}

// WatchConnection implements Mailbox
func (r *Redis) WatchConnection(fn ConnFunc) UnsubscribeFunc {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.connWatchers[id] = fn
	state := ConnState{Connected: r.connected, Epoch: r.epoch}
	r.mu.Unlock()

	fn(state)
	return func() {
		r.mu.Lock()
		delete(r.connWatchers, id)
		r.mu.Unlock()
	}
}

// RunJanitor applies deferred writes whose connection heartbeat has lapsed.
// A write fires only while its registering epoch is still the owner's
// current one: registrations left behind by an epoch the owner has since
// replaced are discarded, never applied. Any number of instances may run
// this; application is idempotent.
func (r *Redis) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DeferredWriteSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepDeferred(ctx)
		}
	}
}

func (r *Redis) sweepDeferred(ctx context.Context) {
	epochs, err := r.client.SMembers(ctx, redisKeyDefIndex).Result()
	if err != nil {
		return
	}
	for _, epoch := range epochs {
		alive, err := r.client.Exists(ctx, redisKeyHeartbeat+epoch).Result()
		if err != nil || alive > 0 {
			continue
		}
		owner, err := r.client.Get(ctx, redisKeyDefOwner+epoch).Result()
		if err != nil {
			continue
		}
		current, err := r.client.Get(ctx, redisKeyOwner+owner).Result()
		if err != nil && err != redis.Nil {
			continue
		}
		if current == epoch {
			entries, err := r.client.HGetAll(ctx, redisKeyDeferred+epoch).Result()
			if err != nil {
				continue
			}
			for path, raw := range entries {
				if err := r.writeRaw(ctx, path, json.RawMessage(raw)); err != nil {
					logger.Warn("Deferred write failed", zap.String("path", path), zap.Error(err))
				}
			}
		}
		// Stale epochs (owner reconnected) are dropped without applying
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, redisKeyDeferred+epoch, redisKeyDefOwner+epoch)
		pipe.SRem(ctx, redisKeyDefIndex, epoch)
		_, _ = pipe.Exec(ctx)
	}
}

func joinPath(segs []string) string {
	return strings.Join(segs, "/")
}
