package connection

import (
	"context"
	"time"

	"github.com/rickgao/brokerlink/internal/wire"
)

// Handler receives frames and connection lifecycle events. HandleConnected
// for an epoch always precedes its frames. HandleDisconnected may overlap a
// final HandleFrame of the same epoch, so frames of a disconnected epoch
// are stale. Handlers must not call Close.
type Handler interface {
	// HandleConnected runs before the first frame of the new connection is
	// read. Frames sent with SendAt(epoch) from here go out in order.
	HandleConnected(epoch uint64)

	// HandleFrame is called from the read goroutine for every inbound frame
	// except heartbeats.
	HandleFrame(epoch uint64, f wire.Frame)

	// HandleDisconnected reports that the connection with epoch is gone.
	HandleDisconnected(epoch uint64, err error)
}

// TokenProvider supplies the session token sent in the connect frame.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

// Token returns the token.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// BackoffConfig controls reconnection delays.
type BackoffConfig struct {
	BaseDelay   time.Duration // Delay before the first attempt
	MaxDelay    time.Duration // Upper bound on any delay (0 = uncapped)
	Multiplier  float64       // Growth per attempt, at least 1
	MaxAttempts int           // 0 retries forever
	Jitter      bool          // Scale each delay by a random factor in [0.5, 1.5)
}

// Config configures a Transport.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration // Dial plus connect ack
	WriteTimeout      time.Duration // Write deadline per frame
	HeartbeatInterval time.Duration // How often to send heartbeat frames
	HeartbeatTimeout  time.Duration // Max silence before the connection is considered lost
	OutboundBuffer    int           // Per-connection writer queue
	SendQueueDepth    int           // Frames buffered while offline (0 = reject)
	ControlRate       float64       // Subscribe/unsubscribe frames per second (0 = unlimited)
	ControlBurst      int
	Backoff           BackoffConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		OutboundBuffer:    1024,
		SendQueueDepth:    0,
		ControlRate:       20,
		ControlBurst:      10,
		Backoff: BackoffConfig{
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = def.OutboundBuffer
	}
	if c.SendQueueDepth < 0 {
		c.SendQueueDepth = 0
	}
	if c.ControlRate > 0 && c.ControlBurst <= 0 {
		c.ControlBurst = 1
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = def.Backoff.BaseDelay
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	return c
}
