package config

import (
	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/client"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/session"
	"github.com/rickgao/brokerlink/internal/subscription"
)

// ClientConfig maps the file configuration onto the client bundle.
func (c *Config) ClientConfig() client.Config {
	cc := client.DefaultConfig()

	cc.APIURL = c.Broker.APIURL
	cc.StreamURL = c.Broker.StreamURL
	cc.Credentials = auth.StaticCredentials{
		Username: c.Credentials.Username,
		Password: c.Credentials.Password,
	}
	cc.HTTPTimeout = c.Broker.Timeout
	cc.HTTPRetries = c.Broker.MaxRetries
	cc.RequestTimeout = c.Stream.RequestTimeout
	cc.AutoRefresh = !c.Session.DisableRefresh

	cc.Session = session.Config{RefreshSkew: c.Session.RefreshSkew}
	cc.Refresher = session.RefresherConfig{
		Interval: c.Session.RefreshInterval,
		Timeout:  c.Session.RefreshTimeout,
	}

	cc.Transport = connection.Config{
		URL:               c.Broker.StreamURL,
		HandshakeTimeout:  c.Stream.HandshakeTimeout,
		WriteTimeout:      c.Stream.WriteTimeout,
		HeartbeatInterval: c.Stream.HeartbeatInterval,
		HeartbeatTimeout:  c.Stream.HeartbeatTimeout,
		OutboundBuffer:    cc.Transport.OutboundBuffer,
		SendQueueDepth:    c.Stream.SendQueueDepth,
		ControlRate:       c.Stream.ControlRate,
		ControlBurst:      c.Stream.ControlBurst,
		Backoff: connection.BackoffConfig{
			BaseDelay:   c.Reconnect.BaseDelay,
			MaxDelay:    c.Reconnect.MaxDelay,
			Multiplier:  c.Reconnect.Multiplier,
			MaxAttempts: c.Reconnect.MaxAttempts,
			Jitter:      !c.Reconnect.DisableJitter,
		},
	}

	cc.Subscriptions = subscription.Config{
		QueueDepth: c.Subscriptions.QueueDepth,
		AckTimeout: c.Subscriptions.AckTimeout,
		MaxRetries: c.Subscriptions.MaxRetries,
		RetryDelay: c.Subscriptions.RetryDelay,
	}

	return cc
}
