package connection

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/version"
	"github.com/rickgao/brokerlink/internal/wire"
)

// Transport maintains one authenticated streaming connection, reconnecting
// when it drops.
type Transport struct {
	cfg       Config
	tokens    TokenProvider
	handler   Handler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	userAgent string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectMu serializes dials.
	connectMu sync.Mutex

	mu      sync.Mutex
	link    *link
	epoch   uint64
	backlog []wire.Frame
	closed  bool

	reconnecting atomic.Bool
	errors       chan error
}

// New creates a Transport. Nothing is dialed until Connect.
func New(cfg Config, tokens TokenProvider, handler Handler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:       cfg,
		tokens:    tokens,
		handler:   handler,
		logger:    logger,
		userAgent: version.UserAgent(),
		ctx:       ctx,
		cancel:    cancel,
		errors:    make(chan error, 4),
	}
	if cfg.ControlRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst)
	}
	return t
}

// SetMetrics attaches collectors. Call before Connect.
func (t *Transport) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// Connect dials and authenticates. If a connection is already up its epoch
// is returned. A rejected token fails with errs.ErrAuthRejected and is not
// retried.
func (t *Transport) Connect(ctx context.Context) (uint64, error) {
	return t.connect(ctx)
}

func (t *Transport) connect(ctx context.Context) (uint64, error) {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, errs.New("transport.connect", errs.ErrNotConnected, "transport closed")
	}
	if t.link != nil {
		epoch := t.link.epoch
		t.mu.Unlock()
		return epoch, nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return 0, errs.New("transport.connect", errs.ErrNotConnected, "transport closed")
	}
	t.epoch++
	l := t.newLink(t.epoch, conn, t.backlog)
	flushed := len(t.backlog)
	t.backlog = nil
	// Added before l is published so Close never waits on a partial count.
	t.wg.Add(3)
	t.link = l
	t.mu.Unlock()

	t.metrics.SetEpoch(l.epoch)
	t.metrics.SetConnected(true)
	l.logger.Info("connected", "url", t.cfg.URL, "flushed", flushed)

	go t.writeLoop(l)

	// A Close or drop in the meantime has already reported the disconnect.
	if l.ctx.Err() == nil {
		t.handler.HandleConnected(l.epoch)
	}

	go t.readLoop(l)
	go t.heartbeatLoop(l)

	return l.epoch, nil
}

// Send queues f on the live connection and returns its epoch. While
// offline, f is buffered up to SendQueueDepth and 0 is returned; with no
// queue configured it fails with errs.ErrNotConnected.
func (t *Transport) Send(f wire.Frame) (uint64, error) {
	const op = "transport.send"

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, errs.New(op, errs.ErrNotConnected, "transport closed")
	}
	if t.link != nil {
		if err := t.link.enqueue(f); err != nil {
			return 0, err
		}
		return t.link.epoch, nil
	}
	if t.cfg.SendQueueDepth == 0 {
		return 0, errs.New(op, errs.ErrNotConnected, "")
	}
	if len(t.backlog) >= t.cfg.SendQueueDepth {
		return 0, errs.New(op, errs.ErrQueueFull, "offline queue full")
	}
	t.backlog = append(t.backlog, f)
	return 0, nil
}

// SendAt queues f only if the live connection has the given epoch.
func (t *Transport) SendAt(epoch uint64, f wire.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.link == nil || t.link.epoch != epoch {
		return errs.New("transport.send", errs.ErrNotConnected, "connection epoch changed")
	}
	return t.link.enqueue(f)
}

// Epoch returns the epoch of the most recent connection.
func (t *Transport) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// IsConnected reports whether a connection is up.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link != nil
}

// Errors reports failures the transport will not recover from on its own:
// a rejected token or an exhausted retry budget.
func (t *Transport) Errors() <-chan error {
	return t.errors
}

// Reconnect drops the live connection and re-establishes it through the
// normal backoff path.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	l := t.link
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}
	if l == nil {
		t.startReconnect()
		return
	}
	l.logger.Info("reconnect requested")
	t.fail(l, errs.New("transport.reconnect", errs.ErrConnectionLost, "reconnect requested"))
}

// Close shuts the transport down. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	l := t.link
	t.backlog = nil
	t.mu.Unlock()

	if l != nil && l.shutdown(true) {
		t.detach(l, errs.New("transport.close", errs.ErrConnectionLost, "transport closed"))
	}
	t.cancel()
	t.wg.Wait()

	t.logger.Info("transport closed")
	return nil
}

// fail tears down l and, unless the transport is closing, starts
// reconnecting.
func (t *Transport) fail(l *link, err error) {
	if !l.shutdown(false) {
		return
	}
	l.logger.Warn("connection lost", "error", err)
	t.detach(l, err)
	t.startReconnect()
}

func (t *Transport) detach(l *link, err error) {
	t.mu.Lock()
	if t.link == l {
		t.link = nil
	}
	t.mu.Unlock()

	t.metrics.SetConnected(false)
	t.handler.HandleDisconnected(l.epoch, err)
}

func (t *Transport) startReconnect() {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}

	t.wg.Add(1)
	go t.supervise()
}

// supervise redials with backoff until a connection is up, the token is
// rejected, or the attempt budget runs out.
func (t *Transport) supervise() {
	defer t.wg.Done()

	if !t.redial() {
		t.reconnecting.Store(false)
		return
	}
	t.reconnecting.Store(false)

	// The new connection may already have dropped while we held the guard.
	t.mu.Lock()
	down := t.link == nil && !t.closed
	t.mu.Unlock()
	if down {
		t.startReconnect()
	}
}

func (t *Transport) redial() bool {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	budget := t.cfg.Backoff.MaxAttempts

	for attempt := 1; budget == 0 || attempt <= budget; attempt++ {
		delay := NextDelay(t.cfg.Backoff, attempt, rng)
		t.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		t.metrics.IncReconnect()
		epoch, err := t.connect(t.ctx)
		if err == nil {
			t.logger.Info("reconnected", "epoch", epoch, "attempts", attempt)
			return true
		}
		if errors.Is(err, errs.ErrAuthRejected) {
			t.logger.Error("reconnect rejected, giving up", "error", err)
			t.report(err)
			return false
		}
		if t.ctx.Err() != nil {
			return false
		}
		t.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
	}

	err := errs.New("transport.reconnect", errs.ErrConnection, "retry budget exhausted")
	t.logger.Error("giving up on reconnection", "attempts", budget)
	t.report(err)
	return false
}

func (t *Transport) report(err error) {
	select {
	case t.errors <- err:
	default:
		t.logger.Warn("error channel full, dropping", "error", err)
	}
}
