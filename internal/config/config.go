package config

import (
	"time"

	"github.com/rickgao/brokerlink/internal/logging"
)

// Config is the root configuration of a brokerlink client process.
type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	KeyStore      KeyStoreConfig      `yaml:"keystore"`
	Database      DBConfig            `yaml:"database"` // used by the postgres key store
	Session       SessionConfig       `yaml:"session"`
	Stream        StreamConfig        `yaml:"stream"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Logging       logging.Config      `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// BrokerConfig holds the broker endpoints.
type BrokerConfig struct {
	APIURL     string        `yaml:"api_url"`
	StreamURL  string        `yaml:"stream_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// CredentialsConfig holds the login credentials. Use ${VAR} for the password.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Key store backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// KeyStoreConfig selects where the device identity lives.
type KeyStoreConfig struct {
	Backend    string `yaml:"backend"`    // badger, postgres, memory
	Path       string `yaml:"path"`       // badger directory
	Passphrase string `yaml:"passphrase"` // encrypts the private key at rest
	Plaintext  bool   `yaml:"plaintext"`  // store unencrypted (development only)
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SessionConfig holds session refresh settings.
type SessionConfig struct {
	RefreshSkew     time.Duration `yaml:"refresh_skew"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`
	DisableRefresh  bool          `yaml:"disable_refresh"`
}

// StreamConfig holds streaming connection settings.
type StreamConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	SendQueueDepth    int           `yaml:"send_queue_depth"`
	ControlRate       float64       `yaml:"control_rate"` // subscribe/unsubscribe frames per second
	ControlBurst      int           `yaml:"control_burst"`
}

// ReconnectConfig holds reconnection backoff settings.
type ReconnectConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	MaxAttempts   int           `yaml:"max_attempts"` // 0 = unbounded
	DisableJitter bool          `yaml:"disable_jitter"`
}

// SubscriptionsConfig holds subscription registry settings.
type SubscriptionsConfig struct {
	QueueDepth int           `yaml:"queue_depth"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
	MaxRetries int           `yaml:"max_retries"` // resends on one connection; -1 disables
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}
