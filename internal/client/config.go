package client

import (
	"time"

	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/pairing"
	"github.com/rickgao/brokerlink/internal/session"
	"github.com/rickgao/brokerlink/internal/subscription"
)

// Config bundles the configuration of every component.
type Config struct {
	APIURL      string                 // REST base URL
	StreamURL   string                 // WebSocket endpoint; overrides Transport.URL
	Credentials auth.CredentialsSource // consulted by InitiatePairing and Login

	HTTPTimeout time.Duration // per REST call (default: 30s)
	HTTPRetries int           // retries for idempotent REST calls (default: 3)

	// RequestTimeout bounds request/response queries and in-place token
	// swaps (default: 10s).
	RequestTimeout time.Duration

	// AutoRefresh starts a background refresher after Login.
	AutoRefresh bool

	Pairing       pairing.Config
	Session       session.Config
	Refresher     session.RefresherConfig
	Transport     connection.Config
	Subscriptions subscription.Config
}

// DefaultConfig returns sensible defaults. URLs and credentials must still
// be set.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:    30 * time.Second,
		HTTPRetries:    3,
		RequestTimeout: 10 * time.Second,
		AutoRefresh:    true,
		Pairing:        pairing.DefaultConfig(),
		Session:        session.DefaultConfig(),
		Refresher:      session.DefaultRefresherConfig(),
		Transport:      connection.DefaultConfig(),
		Subscriptions:  subscription.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = def.HTTPTimeout
	}
	if c.HTTPRetries < 0 {
		c.HTTPRetries = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Session.RefreshSkew <= 0 {
		c.Session.RefreshSkew = def.Session.RefreshSkew
	}
	if c.StreamURL != "" {
		c.Transport.URL = c.StreamURL
	}
	return c
}
