package client

import (
	"context"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/session"
	"github.com/rickgao/brokerlink/internal/wire"
)

// streamHandler fans transport events out to the pending table and the
// subscription registry.
type streamHandler struct {
	c *Client
}

func (h streamHandler) HandleConnected(epoch uint64) {
	h.c.pending.HandleConnected(epoch)
	h.c.subs.HandleConnected(epoch)
}

func (h streamHandler) HandleFrame(epoch uint64, f wire.Frame) {
	switch {
	case f.Kind == wire.KindData:
		h.c.subs.Dispatch(epoch, f)
	case f.ID != 0:
		if !h.c.pending.Resolve(f) && f.Kind == wire.KindSubscribe {
			h.c.subs.HandleLateAck(epoch, f)
		}
	case f.Kind == wire.KindError:
		h.serverNotice(epoch, f)
	default:
		h.c.logger.Debug("ignoring unsolicited frame", "epoch", epoch, "kind", f.Kind)
	}
}

func (h streamHandler) HandleDisconnected(epoch uint64, err error) {
	h.c.pending.HandleDisconnected(epoch)
	h.c.subs.HandleDisconnected(epoch)
}

// serverNotice handles an error frame that answers no request.
func (h streamHandler) serverNotice(epoch uint64, f wire.Frame) {
	p := wire.ErrorOf(f)
	h.c.logger.Warn("server error", "epoch", epoch, "code", p.Code, "message", p.Message)

	switch p.Code {
	case wire.CodeTokenExpired, wire.CodeAuthRejected:
		e := errs.New("client.stream", errs.ErrSessionExpired, p.Message)
		e.Code = p.Code
		h.c.report(e)
	}
}

// tokenSource hands the transport the current session token, refreshing it
// first when it is close to expiry.
type tokenSource struct {
	c *Client
}

func (t tokenSource) Token(ctx context.Context) (string, error) {
	const op = "client.token"

	cur := t.c.auth.Current()
	if cur == nil {
		return "", errs.New(op, errs.ErrAuthRejected, "not logged in")
	}
	s, err := t.c.auth.RefreshIfNeeded(ctx, cur)
	if err != nil {
		if errs.IsRecoverable(err) {
			return "", err
		}
		return "", errs.Wrap(op, errs.ErrAuthRejected, err)
	}
	return s.Token, nil
}

// refreshHandler moves sessions renewed in the background onto the stream.
type refreshHandler struct {
	c *Client
}

func (r refreshHandler) SessionRefreshed(_, next *session.Session) {
	ctx, cancel := context.WithTimeout(r.c.ctx, r.c.cfg.RequestTimeout)
	defer cancel()
	if err := r.c.swapToken(ctx, next); err != nil {
		r.c.logger.Warn("token swap after refresh failed", "session", next, "error", err)
	}
}

func (r refreshHandler) SessionRefreshFailed(_ *session.Session, err error) {
	r.c.report(err)
}
