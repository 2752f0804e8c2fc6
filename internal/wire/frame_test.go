package wire

import (
	"strings"
	"testing"
)

func TestEncodeSubscribe(t *testing.T) {
	f := Frame{
		Kind:  KindSubscribe,
		ID:    7,
		Topic: &Topic{Kind: TopicPriceFeed, Key: "AAPL@XNAS"},
	}

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := `{"kind":"subscribe","id":7,"topic":{"kind":"priceFeed","key":"AAPL@XNAS"}}`
	if string(data) != want {
		t.Errorf("Encode = %s, want %s", data, want)
	}
}

func TestDecodeData(t *testing.T) {
	f, err := Decode([]byte(`{"kind":"data","sid":42,"payload":{"last":"187.10"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if f.Kind != KindData {
		t.Errorf("Kind = %q, want %q", f.Kind, KindData)
	}
	if f.SID != 42 {
		t.Errorf("SID = %d, want 42", f.SID)
	}
	if string(f.Payload) != `{"last":"187.10"}` {
		t.Errorf("Payload = %s", f.Payload)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "hello"},
		{"missing kind", `{"id":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.in)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEncodeMissingKind(t *testing.T) {
	if _, err := Encode(Frame{ID: 1}); err == nil {
		t.Error("expected error for frame without kind")
	}
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(KindConnect, ConnectPayload{Token: "abc"})
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	if !strings.Contains(string(f.Payload), `"token":"abc"`) {
		t.Errorf("Payload = %s, want token field", f.Payload)
	}
}

func TestErrorOf(t *testing.T) {
	f := Frame{Kind: KindError, Payload: []byte(`{"code":"auth_rejected","message":"bad token"}`)}
	p := ErrorOf(f)
	if p.Code != CodeAuthRejected {
		t.Errorf("Code = %q, want %q", p.Code, CodeAuthRejected)
	}

	p = ErrorOf(Frame{Kind: KindError, Payload: []byte(`"boom"`)})
	if p.Code != "unknown" {
		t.Errorf("Code = %q, want unknown", p.Code)
	}
}

func TestKindIsControl(t *testing.T) {
	if !KindSubscribe.IsControl() || !KindUnsubscribe.IsControl() {
		t.Error("subscribe/unsubscribe should be control frames")
	}
	if KindData.IsControl() || KindRequest.IsControl() {
		t.Error("data/request should not be control frames")
	}
}
