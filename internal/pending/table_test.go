package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	epoch  uint64 // 0 means offline, frames are queued
	err    error
	frames []wire.Frame
}

func (s *fakeSender) Send(f wire.Frame) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.frames = append(s.frames, f)
	return s.epoch, nil
}

func (s *fakeSender) SendAt(epoch uint64, f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if epoch != s.epoch {
		return errs.New("send", errs.ErrNotConnected, "stale epoch")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) last() wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func request() wire.Frame {
	return wire.Frame{Kind: wire.KindRequest}
}

func waitDone(t *testing.T, f *Future) (wire.Frame, error) {
	t.Helper()
	select {
	case <-f.Done():
		return f.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("future %d never resolved", f.ID())
		return wire.Frame{}, nil
	}
}

func TestIssue_Resolve(t *testing.T) {
	sender := &fakeSender{epoch: 1}
	table := New(sender, nil)

	a, err := table.Issue(request(), time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	b, _ := table.Issue(request(), time.Minute)
	if a.ID() == b.ID() || a.ID() == 0 {
		t.Errorf("IDs = %d, %d, want distinct nonzero", a.ID(), b.ID())
	}
	if sender.last().ID != b.ID() {
		t.Errorf("sent ID = %d, want %d", sender.last().ID, b.ID())
	}

	resp := wire.Frame{Kind: wire.KindResponse, ID: a.ID(), Payload: []byte(`{"ok":true}`)}
	if !table.Resolve(resp) {
		t.Fatal("Resolve returned false for a pending request")
	}
	got, err := waitDone(t, a)
	if err != nil {
		t.Fatalf("result error = %v", err)
	}
	if string(got.Payload) != `{"ok":true}` {
		t.Errorf("payload = %s", got.Payload)
	}

	if table.Resolve(resp) {
		t.Error("duplicate response should be dropped")
	}
	if table.Len() != 1 {
		t.Errorf("Len = %d, want 1", table.Len())
	}
}

func TestResolve_ErrorFrame(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"unknown_topic", errs.ErrRequestRejected},
		{wire.CodeAuthRejected, errs.ErrAuthRejected},
		{wire.CodeTokenExpired, errs.ErrAuthRejected},
		{wire.CodeRateLimited, errs.ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			table := New(&fakeSender{epoch: 1}, nil)
			f, _ := table.Issue(request(), 0)

			ef, _ := wire.NewFrame(wire.KindError, wire.ErrorPayload{Code: tt.code, Message: "no"})
			ef.ID = f.ID()
			table.Resolve(ef)

			_, err := waitDone(t, f)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			var e *errs.Error
			if !errors.As(err, &e) || e.Code != tt.code {
				t.Errorf("code = %v, want %q", e, tt.code)
			}
		})
	}
}

func TestTimeout_ExactlyOnce(t *testing.T) {
	table := New(&fakeSender{epoch: 1}, nil)

	f, _ := table.Issue(request(), 20*time.Millisecond)
	_, err := waitDone(t, f)
	if !errors.Is(err, errs.ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}

	// A reply after the deadline is discarded and the result is unchanged.
	if table.Resolve(wire.Frame{Kind: wire.KindResponse, ID: f.ID()}) {
		t.Error("late response should be dropped")
	}
	if _, err := f.Result(); !errors.Is(err, errs.ErrRequestTimeout) {
		t.Errorf("result changed to %v", err)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}
}

func TestTimeout_RacesResolve(t *testing.T) {
	table := New(&fakeSender{epoch: 1}, nil)

	const n = 200
	futures := make([]*Future, n)
	for i := range futures {
		futures[i], _ = table.Issue(request(), time.Millisecond)
	}

	var resolved atomic.Int32
	var wg sync.WaitGroup
	for _, f := range futures {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if table.Resolve(wire.Frame{Kind: wire.KindResponse, ID: id}) {
				resolved.Add(1)
			}
		}(f.ID())
	}
	wg.Wait()

	timedOut := 0
	for _, f := range futures {
		_, err := waitDone(t, f)
		if errors.Is(err, errs.ErrRequestTimeout) {
			timedOut++
		} else if err != nil {
			t.Errorf("unexpected error %v", err)
		}
	}
	if int(resolved.Load())+timedOut != n {
		t.Errorf("resolved %d + timed out %d, want %d", resolved.Load(), timedOut, n)
	}
}

func TestIssue_SendFails(t *testing.T) {
	table := New(&fakeSender{err: errs.New("send", errs.ErrNotConnected, "")}, nil)

	_, err := table.Issue(request(), time.Minute)
	if !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}
}

func TestIssueAt_StaleEpoch(t *testing.T) {
	table := New(&fakeSender{epoch: 3}, nil)

	if _, err := table.IssueAt(2, request(), 0); !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("IssueAt(stale) = %v, want ErrNotConnected", err)
	}
	if _, err := table.IssueAt(0, request(), 0); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("IssueAt(0) = %v, want ErrInvalidArgument", err)
	}
	if _, err := table.IssueAt(3, request(), 0); err != nil {
		t.Errorf("IssueAt(current) = %v", err)
	}
}

func TestIssueAtFunc_RunsInline(t *testing.T) {
	sender := &fakeSender{epoch: 1}
	table := New(sender, nil)

	var ran []int64
	f, err := table.IssueAtFunc(1, request(), 0, func(fut *Future) {
		if _, err := fut.Result(); err != nil {
			t.Errorf("Result err = %v", err)
		}
		ran = append(ran, fut.ID())
	})
	if err != nil {
		t.Fatalf("IssueAtFunc failed: %v", err)
	}

	// No goroutine hop: the completion has run when Resolve returns.
	table.Resolve(wire.Frame{Kind: wire.KindSubscribe, ID: f.ID(), SID: 7})
	if len(ran) != 1 || ran[0] != f.ID() {
		t.Fatalf("completions = %v, want [%d]", ran, f.ID())
	}

	table.Resolve(wire.Frame{Kind: wire.KindSubscribe, ID: f.ID(), SID: 7})
	if len(ran) != 1 {
		t.Errorf("completions after duplicate = %d, want 1", len(ran))
	}

	var lost atomic.Int32
	table.IssueAtFunc(1, request(), 0, func(fut *Future) {
		if _, err := fut.Result(); errors.Is(err, errs.ErrConnectionLost) {
			lost.Add(1)
		}
	})
	table.HandleDisconnected(1)
	if lost.Load() != 1 {
		t.Errorf("completions on disconnect = %d, want 1", lost.Load())
	}

	sender.err = errors.New("boom")
	if _, err := table.IssueAtFunc(1, request(), 0, func(*Future) {
		t.Error("completion ran for a frame that was never sent")
	}); err == nil {
		t.Error("IssueAtFunc with failing sender succeeded")
	}
}

func TestHandleDisconnected(t *testing.T) {
	sender := &fakeSender{epoch: 1}
	table := New(sender, nil)

	sent, _ := table.Issue(request(), 0)

	sender.epoch = 0
	queued, _ := table.Issue(request(), 0)

	table.HandleDisconnected(1)

	if _, err := waitDone(t, sent); !errors.Is(err, errs.ErrConnectionLost) {
		t.Errorf("sent request err = %v, want ErrConnectionLost", err)
	}
	select {
	case <-queued.Done():
		t.Fatal("queued request should survive the disconnect")
	default:
	}

	// The queued request goes out on epoch 2 and dies with it.
	table.HandleConnected(2)
	table.HandleDisconnected(2)
	if _, err := waitDone(t, queued); !errors.Is(err, errs.ErrConnectionLost) {
		t.Errorf("queued request err = %v, want ErrConnectionLost", err)
	}
}

func TestIssue_AfterDisconnectReported(t *testing.T) {
	// The transport reports the loss of epoch 1 before Issue tags its entry.
	sender := &fakeSender{epoch: 1}
	table := New(sender, nil)
	table.HandleDisconnected(1)

	f, err := table.Issue(request(), 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := waitDone(t, f); !errors.Is(err, errs.ErrConnectionLost) {
		t.Errorf("err = %v, want ErrConnectionLost", err)
	}
}

func TestWait_ContextCanceled(t *testing.T) {
	table := New(&fakeSender{epoch: 1}, nil)
	f, _ := table.Issue(request(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}
	if table.Resolve(wire.Frame{Kind: wire.KindResponse, ID: f.ID()}) {
		t.Error("response after cancel should be dropped")
	}
}

func TestFailAll(t *testing.T) {
	sender := &fakeSender{epoch: 1}
	table := New(sender, nil)

	a, _ := table.Issue(request(), time.Minute)
	sender.epoch = 0
	b, _ := table.Issue(request(), 0)

	table.FailAll(nil)

	for _, f := range []*Future{a, b} {
		if _, err := waitDone(t, f); !errors.Is(err, errs.ErrConnectionLost) {
			t.Errorf("future %d err = %v, want ErrConnectionLost", f.ID(), err)
		}
	}
	if table.Len() != 0 {
		t.Errorf("Len = %d, want 0", table.Len())
	}
}
