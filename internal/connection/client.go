package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/wire"
)

// link is one physical WebSocket connection.
type link struct {
	epoch  uint64
	conn   *websocket.Conn
	logger *slog.Logger

	out chan wire.Frame

	ctx    context.Context
	cancel context.CancelFunc

	lastRecv  atomic.Int64 // unix nanos
	closeOnce sync.Once
}

// dial opens a WebSocket and authenticates it with a connect frame. It
// returns once the server has acknowledged the token.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	const op = "transport.connect"

	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", t.userAgent)

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.New(op, errs.ErrAuthRejected, resp.Status)
		}
		return nil, errs.Wrap(op, errs.ErrConnection, err)
	}

	if err := handshake(conn, token, t.cfg.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(conn *websocket.Conn, token string, timeout time.Duration) error {
	const op = "transport.connect"

	hello, err := wire.NewFrame(wire.KindConnect, wire.ConnectPayload{Token: token})
	if err != nil {
		return errs.Wrap(op, errs.ErrInvalidArgument, err)
	}
	data, err := wire.Encode(hello)
	if err != nil {
		return errs.Wrap(op, errs.ErrInvalidArgument, err)
	}

	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Wrap(op, errs.ErrConnection, err)
	}

	conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errs.Wrap(op, errs.ErrConnection, err)
		}
		f, err := wire.Decode(data)
		if err != nil {
			return errs.Wrap(op, errs.ErrConnection, err)
		}

		switch f.Kind {
		case wire.KindConnect:
			conn.SetReadDeadline(time.Time{})
			conn.SetWriteDeadline(time.Time{})
			return nil
		case wire.KindError:
			p := wire.ErrorOf(f)
			kind := errs.ErrConnection
			if p.Code == wire.CodeAuthRejected || p.Code == wire.CodeTokenExpired {
				kind = errs.ErrAuthRejected
			}
			e := errs.New(op, kind, p.Message)
			e.Code = p.Code
			return e
		case wire.KindHeartbeat:
			continue
		default:
			return errs.New(op, errs.ErrConnection, fmt.Sprintf("unexpected %s frame before connect ack", f.Kind))
		}
	}
}

func (t *Transport) newLink(epoch uint64, conn *websocket.Conn, backlog []wire.Frame) *link {
	ctx, cancel := context.WithCancel(t.ctx)
	l := &link{
		epoch:  epoch,
		conn:   conn,
		logger: t.logger.With("epoch", epoch),
		out:    make(chan wire.Frame, t.cfg.OutboundBuffer+len(backlog)),
		ctx:    ctx,
		cancel: cancel,
	}
	l.touch()

	for _, f := range backlog {
		l.out <- f
	}

	// Server pings count as liveness; the default handler's pong reply is kept.
	conn.SetPingHandler(func(data string) error {
		l.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		l.touch()
		return nil
	})
	return l
}

func (l *link) touch() {
	l.lastRecv.Store(time.Now().UnixNano())
}

func (l *link) idle() time.Duration {
	return time.Since(time.Unix(0, l.lastRecv.Load()))
}

// enqueue hands f to the writer without blocking.
func (l *link) enqueue(f wire.Frame) error {
	select {
	case l.out <- f:
		return nil
	default:
		return errs.New("transport.send", errs.ErrQueueFull, "outbound buffer full")
	}
}

// shutdown closes the socket once. It reports whether this call did it.
func (l *link) shutdown(graceful bool) bool {
	first := false
	l.closeOnce.Do(func() {
		first = true
		l.cancel()
		if graceful {
			l.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		l.conn.Close()
	})
	return first
}

// writeLoop is the only writer on the socket.
func (t *Transport) writeLoop(l *link) {
	defer t.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case f := <-l.out:
			if f.Kind.IsControl() && t.limiter != nil {
				if err := t.limiter.Wait(l.ctx); err != nil {
					return
				}
			}

			data, err := wire.Encode(f)
			if err != nil {
				l.logger.Error("dropping unencodable frame", "kind", f.Kind, "id", f.ID, "error", err)
				continue
			}

			l.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.fail(l, errs.Wrap("transport.write", errs.ErrConnectionLost, err))
				return
			}
			t.metrics.IncSent(string(f.Kind))
		}
	}
}

// readLoop decodes inbound frames and hands them to the handler.
func (t *Transport) readLoop(l *link) {
	defer t.wg.Done()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			t.fail(l, errs.Wrap("transport.read", errs.ErrConnectionLost, err))
			return
		}
		l.touch()
		t.metrics.IncReceived()

		f, err := wire.Decode(data)
		if err != nil {
			l.logger.Debug("dropping undecodable frame", "error", err, "size", len(data))
			t.metrics.IncDropped(metrics.DropUndecodable)
			continue
		}
		if f.Kind == wire.KindHeartbeat {
			continue
		}

		t.handler.HandleFrame(l.epoch, f)
	}
}

// heartbeatLoop sends heartbeats and watches for silence.
func (t *Transport) heartbeatLoop(l *link) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if idle := l.idle(); idle > t.cfg.HeartbeatTimeout {
				l.logger.Warn("no traffic from server, connection stale",
					"idle", idle,
					"timeout", t.cfg.HeartbeatTimeout,
				)
				t.fail(l, errs.New("transport.heartbeat", errs.ErrConnectionLost, "heartbeat timeout"))
				return
			}
			if err := l.enqueue(wire.Frame{Kind: wire.KindHeartbeat}); err != nil {
				l.logger.Debug("skipping heartbeat", "error", err)
			}
		}
	}
}
