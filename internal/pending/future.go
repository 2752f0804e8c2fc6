package pending

import (
	"context"

	"github.com/rickgao/brokerlink/internal/wire"
)

// Future is the eventual result of a request.
type Future struct {
	id    int64
	table *Table
	done  chan struct{}

	// Written once before done is closed.
	frame wire.Frame
	err   error
}

// ID returns the request ID carried on the wire.
func (f *Future) ID() int64 { return f.id }

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (wire.Frame, error) {
	return f.frame, f.err
}

// Wait blocks until the future resolves or ctx is done. If ctx wins, the
// request is cancelled and ctx.Err() is returned; a response arriving
// afterwards is discarded.
func (f *Future) Wait(ctx context.Context) (wire.Frame, error) {
	select {
	case <-f.done:
		return f.frame, f.err
	case <-ctx.Done():
		if f.table.Cancel(f.id, ctx.Err()) {
			return wire.Frame{}, ctx.Err()
		}
		<-f.done
		return f.frame, f.err
	}
}

func (f *Future) complete(frame wire.Frame, err error) {
	f.frame = frame
	f.err = err
	close(f.done)
}
