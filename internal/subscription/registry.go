package subscription

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/pending"
	"github.com/rickgao/brokerlink/internal/shard"
	"github.com/rickgao/brokerlink/internal/wire"
)

// Requester sends a frame on a specific connection and runs then on the
// goroutine that resolves its ack.
type Requester interface {
	IssueAtFunc(epoch uint64, f wire.Frame, timeout time.Duration, then pending.Completion) (*pending.Future, error)
}

// Config holds registry configuration.
type Config struct {
	QueueDepth int           // Events buffered per subscription (default: 256)
	AckTimeout time.Duration // Wait for subscribe/unsubscribe acks (default: 10s)

	// MaxRetries bounds subscribe resends on one connection after a timeout
	// or rate limit; the subscription then closes with the last error.
	// Negative disables resends (default: 3).
	MaxRetries int
	RetryDelay time.Duration // First resend delay, doubled per attempt (default: 500ms)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth: 256,
		AckTimeout: 10 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

type sidKey struct {
	epoch uint64
	sid   int64
}

// expiredAck remembers a subscribe whose ack timed out, so a late ack can
// still be matched to its subscription.
type expiredAck struct {
	sub   *Subscription
	epoch uint64
}

// Registry owns every subscription of a client.
type Registry struct {
	cfg      Config
	requests Requester
	logger   *slog.Logger
	metrics  *metrics.Metrics

	subs    *shard.Map[wire.Topic, *Subscription]
	sids    *shard.Map[sidKey, *Subscription]
	expired *shard.Map[int64, expiredAck] // by request ID

	epoch   atomic.Uint64 // 0 while disconnected
	order   atomic.Uint64
	handles atomic.Uint64

	// mu guards closed against goroutine starts.
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry sending through requests.
func NewRegistry(cfg Config, requests Requester, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Registry{
		cfg:      cfg,
		requests: requests,
		logger:   logger,
		subs:     shard.New[wire.Topic, *Subscription](),
		sids:     shard.New[sidKey, *Subscription](),
		expired:  shard.New[int64, expiredAck](),
		stop:     make(chan struct{}),
	}
}

// SetMetrics attaches collectors. Call before first use.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Subscribe registers cb for topic. If a live subscription for topic
// exists it is shared; otherwise one is created and a subscribe frame is
// sent on the current connection, or on the next one if offline.
func (r *Registry) Subscribe(topic wire.Topic, cb Callback) (*Handle, error) {
	const op = "subscription.subscribe"

	if !topic.Valid() {
		return nil, errs.New(op, errs.ErrInvalidArgument, "topic kind and key are required")
	}
	if cb == nil {
		return nil, errs.New(op, errs.ErrInvalidArgument, "callback is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, errs.New(op, errs.ErrNotConnected, "registry closed")
	}

	id := r.handles.Add(1)
	created := false
	sub, _ := r.subs.Compute(topic, func(cur *Subscription, ok bool) (*Subscription, bool) {
		if ok {
			cur.mu.Lock()
			live := cur.state != StateClosed
			if live {
				cur.listeners[id] = cb
			}
			cur.mu.Unlock()
			if live {
				return cur, true
			}
		}
		s := newSubscription(topic, r.order.Add(1), r.cfg.QueueDepth, r.logger)
		s.listeners[id] = cb
		created = true
		return s, true
	})

	if created {
		r.metrics.MoveSubscription("", StatePending.String())
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			sub.run()
		}()

		// The epoch is read after the insert so a concurrent
		// HandleConnected either sees the subscription or we see its epoch.
		if epoch := r.epoch.Load(); epoch != 0 {
			r.send(sub, epoch)
		}
		r.logger.Debug("subscription created", "topic", topic.String())
	}

	return &Handle{id: id, sub: sub, reg: r}, nil
}

// Unsubscribe releases h. When the last handle of a subscription goes, the
// subscription closes and an unsubscribe frame is sent. Once Unsubscribe
// returns, h's callback is not invoked again, though an invocation already
// running may finish. Repeated or foreign handles are ignored.
func (r *Registry) Unsubscribe(h *Handle) {
	if h == nil || h.reg != r || !h.released.CompareAndSwap(false, true) {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := h.sub
	var (
		last     bool
		prev     State
		sid      int64
		sidEpoch uint64
	)
	r.subs.Compute(sub.topic, func(cur *Subscription, ok bool) (*Subscription, bool) {
		sub.mu.Lock()
		defer sub.mu.Unlock()

		delete(sub.listeners, h.id)
		if len(sub.listeners) > 0 || sub.state == StateClosed {
			return cur, ok
		}

		last = true
		prev = sub.state
		sid, sidEpoch = sub.sid, sub.sidEpoch
		sub.state = StateClosed
		sub.markReady()

		if ok && cur == sub {
			return nil, false
		}
		return cur, ok
	})

	if !last {
		return
	}

	sub.queue.close()
	r.metrics.MoveSubscription(prev.String(), "")
	if sid != 0 {
		r.sids.Delete(sidKey{sidEpoch, sid})
		if !r.closed && sidEpoch == r.epoch.Load() {
			r.sendUnsubscribe(sub.topic, sidEpoch, sid)
		}
	}
	sub.logger.Debug("subscription closed", "sid", sid)
}

// Dispatch routes a data frame received on epoch to its subscription. It
// reports whether the event was queued.
func (r *Registry) Dispatch(epoch uint64, f wire.Frame) bool {
	if epoch == 0 || epoch != r.epoch.Load() {
		r.logger.Debug("dropping data from stale connection", "epoch", epoch, "sid", f.SID)
		r.metrics.IncDropped(metrics.DropStaleEpoch)
		return false
	}

	sub, ok := r.sids.Get(sidKey{epoch, f.SID})
	if !ok {
		r.logger.Debug("dropping data for unknown sid", "epoch", epoch, "sid", f.SID)
		r.metrics.IncDropped(metrics.DropUnknownSID)
		return false
	}

	ev := Event{
		Topic:      sub.topic,
		Epoch:      epoch,
		Payload:    f.Payload,
		ReceivedAt: time.Now(),
	}

	switch sub.queue.push(ev) {
	case pushed:
		return true
	case pushFull:
		sub.logger.Warn("subscription queue full, dropping event", "capacity", r.cfg.QueueDepth)
		r.metrics.IncDropped(metrics.DropQueueFull)
	case pushClosed:
		sub.logger.Debug("dropping event for closed subscription")
		r.metrics.IncDropped(metrics.DropClosed)
	}
	return false
}

// HandleConnected replays every live subscription on the new connection in
// the order they were first subscribed.
func (r *Registry) HandleConnected(epoch uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	r.epoch.Store(epoch)
	r.sids.RemoveIf(func(k sidKey, _ *Subscription) bool { return k.epoch < epoch })
	r.expired.RemoveIf(func(_ int64, a expiredAck) bool { return a.epoch < epoch })

	subs := r.subs.Values()
	slices.SortFunc(subs, func(a, b *Subscription) int { return cmp.Compare(a.order, b.order) })

	replayed := 0
	for _, sub := range subs {
		sub.mu.Lock()
		if sub.state == StateClosed || sub.sentEpoch >= epoch {
			sub.mu.Unlock()
			continue
		}
		prev := sub.state
		if prev == StateActive {
			sub.state = StateReplaying
		}
		sub.sid, sub.sidEpoch = 0, 0
		sub.mu.Unlock()

		if prev == StateActive {
			r.metrics.MoveSubscription(prev.String(), StateReplaying.String())
		}
		r.send(sub, epoch)
		replayed++
	}

	if replayed > 0 {
		r.logger.Info("replaying subscriptions", "epoch", epoch, "count", replayed)
	}
}

// HandleDisconnected invalidates every sid issued on epoch.
func (r *Registry) HandleDisconnected(epoch uint64) {
	r.epoch.CompareAndSwap(epoch, 0)
	r.sids.RemoveIf(func(k sidKey, _ *Subscription) bool { return k.epoch <= epoch })
	r.expired.RemoveIf(func(_ int64, a expiredAck) bool { return a.epoch <= epoch })
}

// HandleLateAck takes a subscribe ack that arrived after its request timed
// out. The subscription adopts the sid if it is still waiting on epoch;
// otherwise the server-side subscription is released. It reports whether
// the ack belonged to this registry.
func (r *Registry) HandleLateAck(epoch uint64, f wire.Frame) bool {
	late, ok := r.expired.Take(f.ID)
	if !ok || f.Kind != wire.KindSubscribe || f.SID == 0 {
		return false
	}
	if late.epoch != epoch || epoch != r.epoch.Load() {
		return true
	}
	late.sub.logger.Info("late subscribe ack", "epoch", epoch, "sid", f.SID)
	r.activate(late.sub, epoch, f.SID)
	return true
}

// Get returns the live subscription for topic.
func (r *Registry) Get(topic wire.Topic) (*Subscription, bool) {
	return r.subs.Get(topic)
}

// Subscriptions returns the live subscriptions in subscribe order.
func (r *Registry) Subscriptions() []*Subscription {
	subs := r.subs.Values()
	slices.SortFunc(subs, func(a, b *Subscription) int { return cmp.Compare(a.order, b.order) })
	return subs
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	return r.subs.Count()
}

// Close shuts down every subscription without sending unsubscribe frames.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	closedErr := errs.New("subscription.close", errs.ErrNotConnected, "registry closed")
	for _, sub := range r.subs.RemoveIf(func(wire.Topic, *Subscription) bool { return true }) {
		sub.mu.Lock()
		prev := sub.state
		sub.state = StateClosed
		if sub.err == nil {
			sub.err = closedErr
		}
		sub.markReady()
		sub.mu.Unlock()

		sub.queue.close()
		r.metrics.MoveSubscription(prev.String(), "")
	}
	r.sids.RemoveIf(func(sidKey, *Subscription) bool { return true })
	r.expired.RemoveIf(func(int64, expiredAck) bool { return true })

	r.wg.Wait()
}

// send issues a subscribe frame for sub on epoch unless one is already out.
func (r *Registry) send(sub *Subscription, epoch uint64) {
	sub.mu.Lock()
	if sub.state == StateClosed || sub.sentEpoch >= epoch {
		sub.mu.Unlock()
		return
	}
	sub.sentEpoch = epoch
	sub.attempts = 0
	sub.mu.Unlock()

	r.issue(sub, epoch)
}

func (r *Registry) issue(sub *Subscription, epoch uint64) {
	sub.mu.Lock()
	sub.attempts++
	sub.mu.Unlock()

	topic := sub.topic
	_, err := r.requests.IssueAtFunc(epoch, wire.Frame{Kind: wire.KindSubscribe, Topic: &topic}, r.cfg.AckTimeout,
		func(fut *pending.Future) { r.acked(sub, epoch, fut) })
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrQueueFull):
		r.retry(sub, epoch, err)
	default:
		// The connection went away; the next HandleConnected resends.
		sub.logger.Debug("subscribe not sent", "epoch", epoch, "error", err)
	}
}

// acked runs on the goroutine that resolved the subscribe request, which
// for a server reply is the read loop. The sid is therefore registered
// before the next frame is dispatched.
func (r *Registry) acked(sub *Subscription, epoch uint64, fut *pending.Future) {
	f, err := fut.Result()
	switch {
	case err == nil:
		r.activate(sub, epoch, f.SID)
	case errors.Is(err, errs.ErrRequestTimeout):
		r.expired.Set(fut.ID(), expiredAck{sub: sub, epoch: epoch})
		r.retry(sub, epoch, err)
	case errors.Is(err, errs.ErrRateLimited):
		r.retry(sub, epoch, err)
	case errors.Is(err, errs.ErrRequestRejected):
		r.reject(sub, err)
	default:
		// Connection loss: the next connection resends.
		sub.mu.Lock()
		if sub.state != StateClosed {
			sub.err = err
		}
		sub.mu.Unlock()
		sub.logger.Warn("subscribe not acknowledged", "epoch", epoch, "error", err)
	}
}

// retry schedules another subscribe on epoch, or closes sub once the
// attempts are used up.
func (r *Registry) retry(sub *Subscription, epoch uint64, err error) {
	sub.mu.Lock()
	if sub.state == StateClosed || sub.sentEpoch != epoch || sub.sidEpoch == epoch {
		sub.mu.Unlock()
		return
	}
	sub.err = err
	attempt := sub.attempts
	sub.mu.Unlock()

	select {
	case <-r.stop:
		return
	default:
	}
	if epoch != r.epoch.Load() {
		return
	}

	if r.cfg.MaxRetries < 0 || attempt > r.cfg.MaxRetries {
		sub.logger.Error("giving up on subscribe", "epoch", epoch, "attempts", attempt, "error", err)
		r.reject(sub, err)
		return
	}

	delay := r.cfg.RetryDelay << (attempt - 1)
	sub.logger.Warn("subscribe not acknowledged, retrying", "epoch", epoch, "attempt", attempt, "delay", delay, "error", err)
	time.AfterFunc(delay, func() { r.resend(sub, epoch) })
}

func (r *Registry) resend(sub *Subscription, epoch uint64) {
	select {
	case <-r.stop:
		return
	default:
	}
	if epoch != r.epoch.Load() {
		return
	}

	sub.mu.Lock()
	skip := sub.state == StateClosed || sub.sentEpoch != epoch || sub.sidEpoch == epoch
	sub.mu.Unlock()
	if !skip {
		r.issue(sub, epoch)
	}
}

func (r *Registry) activate(sub *Subscription, epoch uint64, sid int64) {
	sub.mu.Lock()
	if sub.state == StateClosed {
		sub.mu.Unlock()
		// Released before the ack arrived.
		if epoch == r.epoch.Load() {
			r.sendUnsubscribe(sub.topic, epoch, sid)
		}
		return
	}
	if epoch != r.epoch.Load() {
		sub.mu.Unlock()
		return
	}
	if sub.sidEpoch == epoch {
		cur := sub.sid
		sub.mu.Unlock()
		// A retried subscribe was acked twice; keep the first sid.
		if sid != cur {
			r.sendUnsubscribe(sub.topic, epoch, sid)
		}
		return
	}

	prev := sub.state
	sub.state = StateActive
	sub.sid, sub.sidEpoch = sid, epoch
	sub.err = nil
	r.sids.Set(sidKey{epoch, sid}, sub)
	sub.markReady()
	sub.mu.Unlock()

	r.metrics.MoveSubscription(prev.String(), StateActive.String())
	sub.logger.Debug("subscription active", "epoch", epoch, "sid", sid)
}

func (r *Registry) reject(sub *Subscription, err error) {
	r.subs.Compute(sub.topic, func(cur *Subscription, ok bool) (*Subscription, bool) {
		return cur, ok && cur != sub
	})

	sub.mu.Lock()
	prev := sub.state
	sub.state = StateClosed
	sub.err = err
	sub.markReady()
	sub.mu.Unlock()

	sub.queue.close()
	if prev != StateClosed {
		r.metrics.MoveSubscription(prev.String(), "")
	}
	sub.logger.Warn("subscription rejected", "error", err)
}

func (r *Registry) sendUnsubscribe(topic wire.Topic, epoch uint64, sid int64) {
	_, err := r.requests.IssueAtFunc(epoch, wire.Frame{Kind: wire.KindUnsubscribe, SID: sid, Topic: &topic}, r.cfg.AckTimeout,
		func(fut *pending.Future) {
			if _, err := fut.Result(); err != nil {
				r.logger.Debug("unsubscribe not acknowledged", "topic", topic.String(), "sid", sid, "error", err)
			}
		})
	if err != nil {
		r.logger.Debug("unsubscribe not sent", "topic", topic.String(), "sid", sid, "error", err)
	}
}
