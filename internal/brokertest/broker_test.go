package brokertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
	"github.com/rickgao/brokerlink/internal/model"
	"github.com/rickgao/brokerlink/internal/wire"
)

func newTestBroker(t *testing.T) (*Broker, *api.Client) {
	t.Helper()
	b := New(Config{Users: map[string]string{"alice": "pw"}})
	t.Cleanup(b.Close)
	return b, api.NewClient(b.URL(), api.WithRetries(0, time.Millisecond))
}

func initiate(t *testing.T, c *api.Client, kp *keystore.DeviceKeyPair) *api.InitiatePairingResponse {
	t.Helper()
	resp, err := c.InitiatePairing(context.Background(), api.InitiatePairingRequest{
		Username:  "alice",
		Password:  "pw",
		DeviceID:  kp.DeviceID,
		PublicKey: kp.PublicKeyBase64(),
		Algorithm: keystore.Algorithm,
	})
	if err != nil {
		t.Fatalf("InitiatePairing failed: %v", err)
	}
	return resp
}

// login pairs kp and returns a session token.
func login(t *testing.T, b *Broker, c *api.Client, kp *keystore.DeviceKeyPair) string {
	t.Helper()
	ctx := context.Background()

	ch := initiate(t, c, kp)
	if _, err := c.CompletePairing(ctx, api.CompletePairingRequest{
		ChallengeID: ch.ChallengeID,
		DeviceID:    kp.DeviceID,
		Code:        b.LastCode(),
	}); err != nil {
		t.Fatalf("CompletePairing failed: %v", err)
	}

	env, err := auth.NewSigner().SignJSON(api.LoginPayload{Username: "alice", Password: "pw", DeviceID: kp.DeviceID}, kp)
	if err != nil {
		t.Fatalf("SignJSON failed: %v", err)
	}
	resp, err := c.Login(ctx, env)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return resp.Token
}

func TestPairing_AttemptLimit(t *testing.T) {
	b, c := newTestBroker(t)
	kp, _ := keystore.NewDeviceKeyPair(time.Now())
	ctx := context.Background()

	ch := initiate(t, c, kp)
	if ch.AttemptsRemaining == nil || *ch.AttemptsRemaining != 3 {
		t.Fatalf("attempts = %v, want 3", ch.AttemptsRemaining)
	}

	wrong := "x" + b.LastCode()
	for want := 2; want >= 0; want-- {
		_, err := c.CompletePairing(ctx, api.CompletePairingRequest{ChallengeID: ch.ChallengeID, DeviceID: kp.DeviceID, Code: wrong})
		if !errors.Is(err, errs.ErrInvalidCode) {
			t.Fatalf("err = %v, want ErrInvalidCode", err)
		}
		if got, ok := errs.RemainingAttempts(err); !ok || got != want {
			t.Errorf("remaining = %d, %v, want %d", got, ok, want)
		}
	}

	_, err := c.CompletePairing(ctx, api.CompletePairingRequest{ChallengeID: ch.ChallengeID, DeviceID: kp.DeviceID, Code: b.LastCode()})
	if !errors.Is(err, errs.ErrChallengeExpired) {
		t.Errorf("after exhaustion err = %v, want ErrChallengeExpired", err)
	}
}

func TestPairing_WrongPassword(t *testing.T) {
	_, c := newTestBroker(t)
	kp, _ := keystore.NewDeviceKeyPair(time.Now())

	_, err := c.InitiatePairing(context.Background(), api.InitiatePairingRequest{
		Username:  "alice",
		Password:  "nope",
		DeviceID:  kp.DeviceID,
		PublicKey: kp.PublicKeyBase64(),
	})
	if !errors.Is(err, errs.ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestStream_RejectsBadToken(t *testing.T) {
	b, _ := newTestBroker(t)

	conn, _, err := websocket.DefaultDialer.Dial(b.StreamURL(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	hello, _ := wire.NewFrame(wire.KindConnect, wire.ConnectPayload{Token: "garbage"})
	data, _ := wire.Encode(hello)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if f.Kind != wire.KindError || wire.ErrorOf(f).Code != wire.CodeAuthRejected {
		t.Errorf("frame = %+v, want auth_rejected error", f)
	}
	if got := b.Connects(); got != 0 {
		t.Errorf("connects = %d, want 0", got)
	}
}

func TestCatalog_Pagination(t *testing.T) {
	b, c := newTestBroker(t)
	kp, _ := keystore.NewDeviceKeyPair(time.Now())
	token := login(t, b, c, kp)
	ctx := context.Background()

	for _, sym := range []string{"NVDA", "AAPL", "MSFT"} {
		b.AddInstrument(model.Instrument{Symbol: sym, Venue: "XNAS"})
	}

	page, err := c.ListInstruments(ctx, token, api.ListInstrumentsOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListInstruments failed: %v", err)
	}
	if len(page.Instruments) != 2 || page.Cursor != "2" {
		t.Fatalf("page = %d items cursor %q, want 2 items cursor 2", len(page.Instruments), page.Cursor)
	}
	if page.Instruments[0].Symbol != "AAPL" {
		t.Errorf("first = %s, want AAPL", page.Instruments[0].Symbol)
	}

	if _, err := c.ListInstruments(ctx, "bogus", api.ListInstrumentsOptions{}); !errors.Is(err, errs.ErrSessionExpired) {
		t.Errorf("bad token err = %v, want ErrSessionExpired", err)
	}

	b.ExpireSessions()
	if _, err := c.GetInstrument(ctx, token, "AAPL", "XNAS"); !errors.Is(err, errs.ErrSessionExpired) {
		t.Errorf("expired session err = %v, want ErrSessionExpired", err)
	}
}
