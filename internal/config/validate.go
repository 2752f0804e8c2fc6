package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/rickgao/brokerlink/internal/logging"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := validateURL("broker.api_url", c.Broker.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("broker.stream_url", c.Broker.StreamURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Broker.MaxRetries < 0 {
		return errors.New("broker.max_retries must be >= 0")
	}

	if c.Credentials.Username == "" {
		return errors.New("credentials.username is required")
	}
	if c.Credentials.Password == "" {
		return errors.New("credentials.password is required")
	}

	switch c.KeyStore.Backend {
	case BackendBadger:
		if c.KeyStore.Path == "" {
			return errors.New("keystore.path is required for the badger backend")
		}
	case BackendPostgres:
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	case BackendMemory:
	default:
		return fmt.Errorf("keystore.backend %q is not one of badger, postgres, memory", c.KeyStore.Backend)
	}
	if c.KeyStore.Passphrase == "" && !c.KeyStore.Plaintext {
		return errors.New("keystore.passphrase is required unless keystore.plaintext is set")
	}

	if c.Session.RefreshSkew < 0 {
		return errors.New("session.refresh_skew must be >= 0")
	}

	if c.Stream.HeartbeatTimeout <= c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Stream.HeartbeatTimeout, c.Stream.HeartbeatInterval)
	}
	if c.Stream.SendQueueDepth < 0 {
		return errors.New("stream.send_queue_depth must be >= 0")
	}
	if c.Stream.ControlRate < 0 {
		return errors.New("stream.control_rate must be >= 0")
	}

	if c.Reconnect.Multiplier < 1 {
		return errors.New("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}

	if c.Subscriptions.QueueDepth < 1 {
		return errors.New("subscriptions.queue_depth must be >= 1")
	}
	if c.Subscriptions.MaxRetries < -1 {
		return errors.New("subscriptions.max_retries must be >= -1")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, u.Scheme)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
