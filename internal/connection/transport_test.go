package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/wire"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readFrame(conn *websocket.Conn) (wire.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(data)
}

func writeFrame(conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// accept reads the connect frame and acks it, returning the token.
func accept(t *testing.T, conn *websocket.Conn) (string, bool) {
	f, err := readFrame(conn)
	if err != nil || f.Kind != wire.KindConnect {
		t.Logf("expected connect frame, got %v %v", f.Kind, err)
		return "", false
	}
	var p wire.ConnectPayload
	wire.DecodePayload(f, &p)
	if err := writeFrame(conn, wire.Frame{Kind: wire.KindConnect, ID: f.ID}); err != nil {
		return "", false
	}
	return p.Token, true
}

func reject(conn *websocket.Conn) {
	readFrame(conn)
	f, _ := wire.NewFrame(wire.KindError, wire.ErrorPayload{Code: wire.CodeAuthRejected, Message: "bad token"})
	writeFrame(conn, f)
}

// drain reads frames until the connection closes, forwarding non-heartbeats.
func drain(conn *websocket.Conn, out chan<- wire.Frame) {
	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		if f.Kind != wire.KindHeartbeat && out != nil {
			out <- f
		}
	}
}

type event struct {
	kind  string // "up", "down", "frame"
	epoch uint64
	frame wire.Frame
	err   error
}

type recordingHandler struct {
	events chan event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan event, 100)}
}

func (h *recordingHandler) HandleConnected(epoch uint64) {
	h.events <- event{kind: "up", epoch: epoch}
}

func (h *recordingHandler) HandleFrame(epoch uint64, f wire.Frame) {
	h.events <- event{kind: "frame", epoch: epoch, frame: f}
}

func (h *recordingHandler) HandleDisconnected(epoch uint64, err error) {
	h.events <- event{kind: "down", epoch: epoch, err: err}
}

func (h *recordingHandler) next(t *testing.T, kind string) event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q event", kind)
			return event{}
		}
	}
}

func testConfig(server *httptest.Server) Config {
	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	cfg.ControlRate = 0
	cfg.Backoff = BackoffConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	return cfg
}

func TestTransport_Connect(t *testing.T) {
	tokens := make(chan string, 1)
	received := make(chan wire.Frame, 10)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		token, ok := accept(t, conn)
		if !ok {
			return
		}
		tokens <- token
		writeFrame(conn, wire.Frame{Kind: wire.KindData, SID: 7, Payload: []byte(`{"x":1}`)})
		drain(conn, received)
	})
	defer server.Close()

	h := newRecordingHandler()
	tr := New(testConfig(server), StaticToken("tok-1"), h, nil)
	defer tr.Close()

	epoch, err := tr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if epoch != 1 {
		t.Errorf("epoch = %d, want 1", epoch)
	}
	if !tr.IsConnected() {
		t.Error("expected IsConnected to return true")
	}
	if got := <-tokens; got != "tok-1" {
		t.Errorf("token = %q, want %q", got, "tok-1")
	}

	if ev := h.next(t, "up"); ev.epoch != 1 {
		t.Errorf("HandleConnected epoch = %d, want 1", ev.epoch)
	}
	ev := h.next(t, "frame")
	if ev.epoch != 1 || ev.frame.SID != 7 {
		t.Errorf("frame = %+v epoch %d, want sid 7 epoch 1", ev.frame, ev.epoch)
	}

	sentEpoch, err := tr.Send(wire.Frame{Kind: wire.KindRequest, ID: 42})
	if err != nil || sentEpoch != 1 {
		t.Fatalf("Send = %d, %v", sentEpoch, err)
	}
	select {
	case f := <-received:
		if f.ID != 42 {
			t.Errorf("server got id %d, want 42", f.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received frame")
	}

	// Connect while connected is a no-op.
	if again, err := tr.Connect(context.Background()); err != nil || again != 1 {
		t.Errorf("second Connect = %d, %v", again, err)
	}
}

func TestTransport_AuthRejected(t *testing.T) {
	server := mockWSServer(t, reject)
	defer server.Close()

	tr := New(testConfig(server), StaticToken("bad"), newRecordingHandler(), nil)
	defer tr.Close()

	_, err := tr.Connect(context.Background())
	if !errors.Is(err, errs.ErrAuthRejected) {
		t.Errorf("Connect = %v, want ErrAuthRejected", err)
	}
	if tr.IsConnected() {
		t.Error("should not be connected")
	}
}

func TestTransport_DialFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1/stream"
	cfg.HandshakeTimeout = time.Second

	tr := New(cfg, StaticToken("t"), newRecordingHandler(), nil)
	defer tr.Close()

	_, err := tr.Connect(context.Background())
	if !errors.Is(err, errs.ErrConnection) {
		t.Errorf("Connect = %v, want ErrConnection", err)
	}
}

func TestTransport_SendOffline(t *testing.T) {
	received := make(chan wire.Frame, 10)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, ok := accept(t, conn); ok {
			drain(conn, received)
		}
	})
	defer server.Close()

	t.Run("no queue", func(t *testing.T) {
		tr := New(testConfig(server), StaticToken("t"), newRecordingHandler(), nil)
		defer tr.Close()

		if _, err := tr.Send(wire.Frame{Kind: wire.KindRequest}); !errors.Is(err, errs.ErrNotConnected) {
			t.Errorf("Send = %v, want ErrNotConnected", err)
		}
	})

	t.Run("bounded queue", func(t *testing.T) {
		cfg := testConfig(server)
		cfg.SendQueueDepth = 2
		tr := New(cfg, StaticToken("t"), newRecordingHandler(), nil)
		defer tr.Close()

		for i := int64(1); i <= 2; i++ {
			epoch, err := tr.Send(wire.Frame{Kind: wire.KindRequest, ID: i})
			if err != nil || epoch != 0 {
				t.Fatalf("Send %d = %d, %v, want queued", i, epoch, err)
			}
		}
		if _, err := tr.Send(wire.Frame{Kind: wire.KindRequest, ID: 3}); !errors.Is(err, errs.ErrQueueFull) {
			t.Errorf("Send past depth = %v, want ErrQueueFull", err)
		}

		if _, err := tr.Connect(context.Background()); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		for want := int64(1); want <= 2; want++ {
			select {
			case f := <-received:
				if f.ID != want {
					t.Errorf("flushed id = %d, want %d", f.ID, want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("queued frame never flushed")
			}
		}
	})
}

func TestTransport_SendAt(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, ok := accept(t, conn); ok {
			drain(conn, nil)
		}
	})
	defer server.Close()

	tr := New(testConfig(server), StaticToken("t"), newRecordingHandler(), nil)
	defer tr.Close()

	if err := tr.SendAt(1, wire.Frame{Kind: wire.KindSubscribe}); !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("SendAt before connect = %v, want ErrNotConnected", err)
	}

	epoch, err := tr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := tr.SendAt(epoch, wire.Frame{Kind: wire.KindSubscribe}); err != nil {
		t.Errorf("SendAt current = %v", err)
	}
	if err := tr.SendAt(epoch+1, wire.Frame{Kind: wire.KindSubscribe}); !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("SendAt stale = %v, want ErrNotConnected", err)
	}
}

func TestTransport_ReconnectsWithNewEpoch(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		if _, ok := accept(t, conn); !ok {
			return
		}
		if n == 1 {
			// Drop the first connection right after the handshake.
			time.Sleep(20 * time.Millisecond)
			return
		}
		drain(conn, nil)
	})
	defer server.Close()

	h := newRecordingHandler()
	tr := New(testConfig(server), StaticToken("t"), h, nil)
	defer tr.Close()

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	h.next(t, "up")
	down := h.next(t, "down")
	if down.epoch != 1 || !errors.Is(down.err, errs.ErrConnectionLost) {
		t.Errorf("down = epoch %d err %v, want epoch 1 ErrConnectionLost", down.epoch, down.err)
	}
	if up := h.next(t, "up"); up.epoch != 2 {
		t.Errorf("reconnect epoch = %d, want 2", up.epoch)
	}
	if tr.Epoch() != 2 {
		t.Errorf("Epoch = %d, want 2", tr.Epoch())
	}
}

func TestTransport_ForcedReconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, ok := accept(t, conn); ok {
			drain(conn, nil)
		}
	})
	defer server.Close()

	h := newRecordingHandler()
	tr := New(testConfig(server), StaticToken("t"), h, nil)
	defer tr.Close()

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.next(t, "up")

	tr.Reconnect()

	if down := h.next(t, "down"); down.epoch != 1 {
		t.Errorf("down epoch = %d, want 1", down.epoch)
	}
	if up := h.next(t, "up"); up.epoch != 2 {
		t.Errorf("up epoch = %d, want 2", up.epoch)
	}
}

func TestTransport_ReconnectRejected(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) > 1 {
			reject(conn)
			return
		}
		if _, ok := accept(t, conn); ok {
			time.Sleep(20 * time.Millisecond)
		}
	})
	defer server.Close()

	tr := New(testConfig(server), StaticToken("t"), newRecordingHandler(), nil)
	defer tr.Close()

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case err := <-tr.Errors():
		if !errors.Is(err, errs.ErrAuthRejected) {
			t.Errorf("Errors() = %v, want ErrAuthRejected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected terminal error")
	}

	// No blind retries after rejection.
	time.Sleep(100 * time.Millisecond)
	if n := conns.Load(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestTransport_RetryBudget(t *testing.T) {
	var conns atomic.Int32
	var live atomic.Bool
	live.Store(true)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		if !live.Load() {
			return // close before acking
		}
		if _, ok := accept(t, conn); ok {
			time.Sleep(20 * time.Millisecond)
		}
	})
	defer server.Close()

	cfg := testConfig(server)
	cfg.Backoff.MaxAttempts = 3
	tr := New(cfg, StaticToken("t"), newRecordingHandler(), nil)
	defer tr.Close()

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	live.Store(false)

	select {
	case err := <-tr.Errors():
		if !errors.Is(err, errs.ErrConnection) {
			t.Errorf("Errors() = %v, want ErrConnection", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected budget exhaustion")
	}
	if n := conns.Load(); n != 4 {
		t.Errorf("connections = %d, want 1 + 3 attempts", n)
	}
}

func TestTransport_HeartbeatTimeout(t *testing.T) {
	var heartbeats atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, ok := accept(t, conn); !ok {
			return
		}
		// Read but never write: the client must give up on us.
		for {
			f, err := readFrame(conn)
			if err != nil {
				return
			}
			if f.Kind == wire.KindHeartbeat {
				heartbeats.Add(1)
			}
		}
	})
	defer server.Close()

	cfg := testConfig(server)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 80 * time.Millisecond

	h := newRecordingHandler()
	tr := New(cfg, StaticToken("t"), h, nil)
	defer tr.Close()

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	down := h.next(t, "down")
	if !errors.Is(down.err, errs.ErrConnectionLost) {
		t.Errorf("down err = %v, want ErrConnectionLost", down.err)
	}
	if heartbeats.Load() == 0 {
		t.Error("expected heartbeats before timing out")
	}
}

func TestTransport_Close(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, ok := accept(t, conn); ok {
			drain(conn, nil)
		}
	})
	defer server.Close()

	h := newRecordingHandler()
	tr := New(testConfig(server), StaticToken("t"), h, nil)

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.next(t, "up")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if down := h.next(t, "down"); down.epoch != 1 {
		t.Errorf("down epoch = %d, want 1", down.epoch)
	}
	if tr.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
	if _, err := tr.Send(wire.Frame{Kind: wire.KindRequest}); !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
	if _, err := tr.Connect(context.Background()); !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("Connect after Close = %v, want ErrNotConnected", err)
	}

	// No reconnect after Close.
	time.Sleep(50 * time.Millisecond)
	select {
	case ev := <-h.events:
		t.Errorf("unexpected event after Close: %s", ev.kind)
	default:
	}
}

func TestTransport_CloseDuringConnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, ok := accept(t, conn); ok {
			drain(conn, nil)
		}
	})
	defer server.Close()

	for i := 0; i < 25; i++ {
		h := newRecordingHandler()
		tr := New(testConfig(server), StaticToken("t"), h, nil)

		connected := make(chan struct{})
		go func() {
			defer close(connected)
			tr.Connect(context.Background())
		}()
		time.Sleep(time.Duration(i%5) * time.Millisecond)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			tr.Close()
		}()
		select {
		case <-closed:
		case <-time.After(3 * time.Second):
			t.Fatalf("run %d: Close hung", i)
		}
		<-connected

		// Drain what was recorded; a connect is never reported after its
		// disconnect.
		down := make(map[uint64]bool)
		for len(h.events) > 0 {
			ev := <-h.events
			switch ev.kind {
			case "down":
				down[ev.epoch] = true
			case "up":
				if down[ev.epoch] {
					t.Fatalf("run %d: epoch %d reported up after down", i, ev.epoch)
				}
			}
		}
		if tr.IsConnected() {
			t.Fatalf("run %d: connected after Close", i)
		}
	}
}

func TestTransport_ControlRateLimit(t *testing.T) {
	received := make(chan wire.Frame, 10)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, ok := accept(t, conn); ok {
			drain(conn, received)
		}
	})
	defer server.Close()

	cfg := testConfig(server)
	cfg.ControlRate = 20 // one frame every 50ms
	cfg.ControlBurst = 1
	tr := New(cfg, StaticToken("t"), newRecordingHandler(), nil)
	defer tr.Close()

	if _, err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	start := time.Now()
	for i := 0; i < 4; i++ {
		if _, err := tr.Send(wire.Frame{Kind: wire.KindSubscribe, ID: int64(i + 1)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("4 control frames took %v, want rate limited to >= 150ms", elapsed)
	}
}
