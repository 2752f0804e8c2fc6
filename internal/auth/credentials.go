package auth

import (
	"context"
	"log/slog"
)

// Credentials are the user's login credentials. They are passed through to
// the server and never stored.
type Credentials struct {
	Username string
	Password string
}

// LogValue keeps the password out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username))
}

// Valid reports whether both fields are set.
func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

// CredentialsSource supplies credentials on demand, e.g. from a prompt or
// the process environment.
type CredentialsSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialsSource that always returns itself.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}
