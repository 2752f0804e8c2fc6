package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/brokerlink/internal/config"
)

// ApplicationName tags key store connections in pg_stat_activity.
const ApplicationName = "brokerlink-keystore"

// BuildConnString builds the PostgreSQL URL for the key store database.
//
// Sealed device keys cross this connection, so TLS is required unless the
// server is on the loopback interface or ssl_mode says otherwise.
func BuildConnString(cfg config.DBConfig) string {
	return connURL(cfg).String()
}

// RedactedConnString is BuildConnString with the password masked, for logs.
func RedactedConnString(cfg config.DBConfig) string {
	return connURL(cfg).Redacted()
}

func connURL(cfg config.DBConfig) *url.URL {
	q := url.Values{}
	q.Set("sslmode", sslMode(cfg))
	q.Set("application_name", ApplicationName)

	return &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
}

func sslMode(cfg config.DBConfig) string {
	if cfg.SSLMode != "" {
		return cfg.SSLMode
	}
	if isLoopback(cfg.Host) {
		return "prefer"
	}
	return "require"
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
