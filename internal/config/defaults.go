package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultKeyStoreBackend    = BackendBadger
	DefaultKeyStorePath       = "./data/keystore"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultRefreshSkew        = 1 * time.Minute
	DefaultRefreshInterval    = 15 * time.Second
	DefaultRefreshTimeout     = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultHeartbeatTimeout   = 45 * time.Second
	DefaultRequestTimeout     = 10 * time.Second
	DefaultControlRate        = 20.0
	DefaultControlBurst       = 10
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultReconnectFactor    = 2.0
	DefaultQueueDepth         = 256
	DefaultAckTimeout         = 10 * time.Second
	DefaultSubscribeRetries   = 3
	DefaultSubscribeBackoff   = 500 * time.Millisecond
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "brokerlink"
)

func (c *Config) applyDefaults() {
	// Broker defaults
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = DefaultAPITimeout
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = DefaultMaxRetries
	}

	// Key store defaults
	if c.KeyStore.Backend == "" {
		c.KeyStore.Backend = DefaultKeyStoreBackend
	}
	if c.KeyStore.Backend == BackendBadger && c.KeyStore.Path == "" {
		c.KeyStore.Path = DefaultKeyStorePath
	}
	if c.KeyStore.Backend == BackendPostgres {
		applyDBDefaults(&c.Database)
	}

	// Session defaults
	if c.Session.RefreshSkew == 0 {
		c.Session.RefreshSkew = DefaultRefreshSkew
	}
	if c.Session.RefreshInterval == 0 {
		c.Session.RefreshInterval = DefaultRefreshInterval
	}
	if c.Session.RefreshTimeout == 0 {
		c.Session.RefreshTimeout = DefaultRefreshTimeout
	}

	// Stream defaults
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Stream.HeartbeatTimeout == 0 {
		c.Stream.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Stream.RequestTimeout == 0 {
		c.Stream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Stream.ControlRate == 0 {
		c.Stream.ControlRate = DefaultControlRate
	}
	if c.Stream.ControlBurst == 0 {
		c.Stream.ControlBurst = DefaultControlBurst
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = DefaultReconnectFactor
	}

	// Subscription defaults
	if c.Subscriptions.QueueDepth == 0 {
		c.Subscriptions.QueueDepth = DefaultQueueDepth
	}
	if c.Subscriptions.AckTimeout == 0 {
		c.Subscriptions.AckTimeout = DefaultAckTimeout
	}
	if c.Subscriptions.MaxRetries == 0 {
		c.Subscriptions.MaxRetries = DefaultSubscribeRetries
	}
	if c.Subscriptions.RetryDelay == 0 {
		c.Subscriptions.RetryDelay = DefaultSubscribeBackoff
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
