package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/shard"
	"github.com/rickgao/brokerlink/internal/wire"
)

// Sender writes frames to the connection. Send reports the epoch the frame
// was written on, or 0 when it was queued for a later connection.
type Sender interface {
	Send(f wire.Frame) (uint64, error)
	SendAt(epoch uint64, f wire.Frame) error
}

// Completion runs on the goroutine that resolves a request, before any
// later frame is handled. It must not block.
type Completion func(*Future)

type entry struct {
	fut   *Future
	epoch atomic.Uint64
	timer *time.Timer
	then  Completion
}

// Table tracks in-flight requests.
type Table struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics

	nextID  atomic.Int64
	entries *shard.Map[int64, *entry]

	// lastDown is the highest epoch reported disconnected.
	lastDown atomic.Uint64
}

// New creates a Table writing through sender.
func New(sender Sender, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		sender:  sender,
		logger:  logger,
		entries: shard.New[int64, *entry](),
	}
}

// SetMetrics attaches collectors. Call before first use.
func (t *Table) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// Issue assigns f a fresh ID, sends it on whatever connection is current
// and returns a Future for the reply. timeout <= 0 means no deadline.
func (t *Table) Issue(f wire.Frame, timeout time.Duration) (*Future, error) {
	e := t.register(&f, 0, timeout, nil)

	epoch, err := t.sender.Send(f)
	if err != nil {
		t.abandon(f.ID)
		return nil, err
	}
	if epoch != 0 {
		// HandleConnected may already have retagged a queued entry.
		e.epoch.CompareAndSwap(0, epoch)
		t.checkLost(f.ID, e)
	}
	return e.fut, nil
}

// IssueAt is like Issue but only sends on the connection with the given
// epoch. It fails with errs.ErrNotConnected if that connection is gone.
func (t *Table) IssueAt(epoch uint64, f wire.Frame, timeout time.Duration) (*Future, error) {
	return t.IssueAtFunc(epoch, f, timeout, nil)
}

// IssueAtFunc is like IssueAt and additionally runs then when the request
// resolves. A reply resolved by Resolve runs then on the caller of Resolve,
// so state then sets up is visible to the next frame read. then may run
// before IssueAtFunc returns. It is not run when sending fails.
func (t *Table) IssueAtFunc(epoch uint64, f wire.Frame, timeout time.Duration, then Completion) (*Future, error) {
	if epoch == 0 {
		return nil, errs.New("pending.issue", errs.ErrInvalidArgument, "epoch must be nonzero")
	}
	e := t.register(&f, epoch, timeout, then)

	if err := t.sender.SendAt(epoch, f); err != nil {
		t.abandon(f.ID)
		return nil, err
	}
	t.checkLost(f.ID, e)
	return e.fut, nil
}

func (t *Table) register(f *wire.Frame, epoch uint64, timeout time.Duration, then Completion) *entry {
	f.ID = t.nextID.Add(1)
	e := &entry{fut: &Future{id: f.ID, table: t, done: make(chan struct{})}, then: then}
	e.epoch.Store(epoch)

	// Registered before sending so a fast reply always finds its entry.
	t.entries.Set(f.ID, e)
	t.metrics.AddPending(1)

	if timeout > 0 {
		id, kind := f.ID, f.Kind
		e.timer = time.AfterFunc(timeout, func() {
			err := errs.New("pending.wait", errs.ErrRequestTimeout,
				fmt.Sprintf("%s request %d timed out after %s", kind, id, timeout))
			if t.finish(id, wire.Frame{}, err, metrics.OutcomeTimeout) {
				t.logger.Debug("request timed out", "id", id, "kind", kind, "timeout", timeout)
			}
		})
	}
	return e
}

// abandon drops an entry whose frame never left.
func (t *Table) abandon(id int64) {
	if e, ok := t.entries.Take(id); ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		t.metrics.AddPending(-1)
	}
}

// checkLost fails e if its connection dropped before the tag was set.
func (t *Table) checkLost(id int64, e *entry) {
	if ep := e.epoch.Load(); ep != 0 && ep <= t.lastDown.Load() {
		t.finish(id, wire.Frame{}, lostError(ep), metrics.OutcomeLost)
	}
}

// Resolve completes the request matching f.ID. It reports false for late,
// duplicate or unknown replies, which are dropped.
func (t *Table) Resolve(f wire.Frame) bool {
	var (
		err     error
		outcome = metrics.OutcomeOK
	)
	if f.Kind == wire.KindError {
		err = rejection(f)
		outcome = metrics.OutcomeRejected
	}

	if !t.finish(f.ID, f, err, outcome) {
		t.logger.Debug("dropping reply with no pending request", "id", f.ID, "kind", f.Kind)
		t.metrics.IncDropped(metrics.DropLateReply)
		return false
	}
	return true
}

// Cancel resolves the request with err. It reports whether the request was
// still pending.
func (t *Table) Cancel(id int64, err error) bool {
	if err == nil {
		err = context.Canceled
	}
	return t.finish(id, wire.Frame{}, err, metrics.OutcomeCanceled)
}

// HandleConnected tags requests queued while offline with the new epoch.
func (t *Table) HandleConnected(epoch uint64) {
	t.entries.Range(func(_ int64, e *entry) bool {
		e.epoch.CompareAndSwap(0, epoch)
		return true
	})
}

// HandleDisconnected fails every request sent on epoch or earlier.
// Requests still queued for a future connection are kept.
func (t *Table) HandleDisconnected(epoch uint64) {
	for {
		cur := t.lastDown.Load()
		if epoch <= cur || t.lastDown.CompareAndSwap(cur, epoch) {
			break
		}
	}

	lost := t.entries.RemoveIf(func(_ int64, e *entry) bool {
		ep := e.epoch.Load()
		return ep != 0 && ep <= epoch
	})
	for _, e := range lost {
		t.complete(e, wire.Frame{}, lostError(e.epoch.Load()), metrics.OutcomeLost)
	}
	if len(lost) > 0 {
		t.logger.Info("failed in-flight requests on connection loss", "epoch", epoch, "count", len(lost))
	}
}

// FailAll resolves every pending request with err wrapped as
// errs.ErrConnectionLost.
func (t *Table) FailAll(err error) {
	if err == nil || !errors.Is(err, errs.ErrConnectionLost) {
		err = errs.Wrap("pending.fail", errs.ErrConnectionLost, closeCause(err))
	}
	for _, e := range t.entries.RemoveIf(func(int64, *entry) bool { return true }) {
		t.complete(e, wire.Frame{}, err, metrics.OutcomeLost)
	}
}

// Len returns the number of unresolved requests.
func (t *Table) Len() int {
	return t.entries.Count()
}

func (t *Table) finish(id int64, f wire.Frame, err error, outcome string) bool {
	e, ok := t.entries.Take(id)
	if !ok {
		return false
	}
	t.complete(e, f, err, outcome)
	return true
}

func (t *Table) complete(e *entry, f wire.Frame, err error, outcome string) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.fut.complete(f, err)
	t.metrics.AddPending(-1)
	t.metrics.IncOutcome(outcome)
	if e.then != nil {
		e.then(e.fut)
	}
}

func lostError(epoch uint64) error {
	return errs.New("pending.wait", errs.ErrConnectionLost, fmt.Sprintf("connection %d closed", epoch))
}

func closeCause(err error) error {
	if err == nil {
		return errors.New("table closed")
	}
	return err
}

// rejection maps a server error frame onto the error taxonomy.
func rejection(f wire.Frame) error {
	p := wire.ErrorOf(f)

	kind := errs.ErrRequestRejected
	switch p.Code {
	case wire.CodeAuthRejected, wire.CodeTokenExpired:
		kind = errs.ErrAuthRejected
	case wire.CodeRateLimited:
		kind = errs.ErrRateLimited
	}

	e := errs.New("pending.wait", kind, p.Message)
	e.Code = p.Code
	return e
}
