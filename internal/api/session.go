package api

import "context"

const (
	pathSessionLogin   = "/v1/session/login"
	pathSessionRefresh = "/v1/session/refresh"
	pathSessionLogout  = "/v1/session/logout"
)

// Login exchanges a signed LoginPayload for a session.
func (c *Client) Login(ctx context.Context, env Envelope) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.post(ctx, "api.login", pathSessionLogin, "", env, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges the current token and a signed RefreshPayload for a new
// session. The old token is revoked by the server on success.
func (c *Client) Refresh(ctx context.Context, token string, env Envelope) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.post(ctx, "api.refresh", pathSessionRefresh, token, env, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout revokes token on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.post(ctx, "api.logout", pathSessionLogout, token, nil, nil, true)
}
