// Package brokertest runs an in-process broker for tests and local demos.
//
// It implements the pairing and session REST endpoints and the streaming
// WebSocket protocol, with knobs to misbehave: drop connections, reject
// in-place token swaps, expire sessions and refuse topics.
package brokertest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/brokerlink/internal/model"
	"github.com/rickgao/brokerlink/internal/wire"
)

// Config configures a Broker.
type Config struct {
	Users        map[string]string // username -> password
	TokenTTL     time.Duration     // default: 1h
	ChallengeTTL time.Duration     // default: 5m
	MaxAttempts  int               // code attempts per challenge (default: 3)
	Logger       *slog.Logger
}

type device struct {
	id        string
	userID    string
	publicKey ed25519.PublicKey
}

type challenge struct {
	id        string
	userID    string
	deviceID  string
	publicKey ed25519.PublicKey
	code      string
	expiresAt time.Time
	attempts  int
}

type session struct {
	id        string
	userID    string
	deviceID  string
	expiresAt time.Time
	revoked   bool
}

// Broker is a fake broker backed by an httptest.Server.
type Broker struct {
	cfg    Config
	logger *slog.Logger
	server *httptest.Server

	signKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey

	upgrader websocket.Upgrader

	mu           sync.Mutex
	devices      map[string]*device
	challenges   map[string]*challenge
	sessions     map[string]*session
	lastCode     string
	instruments  map[string]model.Instrument
	rejectTopics map[wire.Topic]bool
	snapshots    map[wire.Topic]any
	rejectSwap   bool
	conns        map[*streamConn]struct{}
	sidSeq       int64
	subscribes   []wire.Topic
	connects     int
	swaps        int
}

// New starts a Broker. Close it when done.
func New(cfg Config) *Broker {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("brokertest: generate signing key: %v", err))
	}

	b := &Broker{
		cfg:          cfg,
		logger:       logger.With("component", "brokertest"),
		signKey:      priv,
		pubKey:       pub,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		devices:      make(map[string]*device),
		challenges:   make(map[string]*challenge),
		sessions:     make(map[string]*session),
		instruments:  make(map[string]model.Instrument),
		rejectTopics: make(map[wire.Topic]bool),
		snapshots:    make(map[wire.Topic]any),
		conns:        make(map[*streamConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/pairing/initiate", b.handleInitiate)
	mux.HandleFunc("POST /v1/pairing/complete", b.handleComplete)
	mux.HandleFunc("POST /v1/session/login", b.handleLogin)
	mux.HandleFunc("POST /v1/session/refresh", b.handleRefresh)
	mux.HandleFunc("POST /v1/session/logout", b.handleLogout)
	mux.HandleFunc("GET /v1/instruments", b.handleListInstruments)
	mux.HandleFunc("GET /v1/instruments/{venue}/{symbol}", b.handleGetInstrument)
	mux.HandleFunc("GET /v1/stream", b.handleStream)
	b.server = httptest.NewServer(mux)

	return b
}

// URL is the REST base URL.
func (b *Broker) URL() string {
	return b.server.URL
}

// StreamURL is the WebSocket endpoint.
func (b *Broker) StreamURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/v1/stream"
}

// Close drops every connection and stops the server.
func (b *Broker) Close() {
	b.DropConnections()
	b.server.Close()
}

// LastCode returns the verification code of the most recent challenge,
// standing in for the out-of-band delivery channel.
func (b *Broker) LastCode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCode
}

// AddInstrument makes an instrument available to lookup, search and the
// REST catalog.
func (b *Broker) AddInstrument(inst model.Instrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instruments[inst.FeedKey()] = inst
}

// RejectTopic makes subscribes to topic fail.
func (b *Broker) RejectTopic(topic wire.Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectTopics[topic] = true
}

// SetSnapshot makes every subscribe ack for topic be followed at once by
// a data frame carrying payload.
func (b *Broker) SetSnapshot(topic wire.Topic, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[topic] = payload
}

// RejectTokenSwap makes in-place connect frames on a live connection fail.
func (b *Broker) RejectTokenSwap(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectSwap = reject
}

// ExpireSessions revokes every issued session.
func (b *Broker) ExpireSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.revoked = true
	}
}

// Subscribes returns every topic subscribed so far, in arrival order.
func (b *Broker) Subscribes() []wire.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.Topic(nil), b.subscribes...)
}

// Connects returns the number of accepted stream connections.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Swaps returns the number of accepted in-place token swaps.
func (b *Broker) Swaps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.swaps
}

// Subscribers returns how many live connections are subscribed to topic.
func (b *Broker) Subscribers(topic wire.Topic) int {
	n := 0
	for _, c := range b.liveConns() {
		if c.subscribed(topic) {
			n++
		}
	}
	return n
}

// Publish sends payload as a data frame to every connection subscribed to
// topic and returns how many frames went out.
func (b *Broker) Publish(topic wire.Topic, payload any) int {
	n := 0
	for _, c := range b.liveConns() {
		if c.publish(topic, payload) {
			n++
		}
	}
	return n
}

// DropConnections closes every stream connection without a close frame.
func (b *Broker) DropConnections() {
	for _, c := range b.liveConns() {
		c.conn.Close()
	}
}

func (b *Broker) liveConns() []*streamConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*streamConn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic(fmt.Sprintf("brokertest: random code: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}
