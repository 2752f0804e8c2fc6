package api

import "context"

const (
	pathPairingInitiate = "/v1/pairing/initiate"
	pathPairingComplete = "/v1/pairing/complete"
)

// InitiatePairing registers a device public key and requests a challenge.
// It is never retried: each call may count against the account's rate limit.
func (c *Client) InitiatePairing(ctx context.Context, req InitiatePairingRequest) (*InitiatePairingResponse, error) {
	var resp InitiatePairingResponse
	if err := c.post(ctx, "api.initiate_pairing", pathPairingInitiate, "", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompletePairing submits the out-of-band verification code. It is never
// retried: every submission consumes an attempt.
func (c *Client) CompletePairing(ctx context.Context, req CompletePairingRequest) (*CompletePairingResponse, error) {
	var resp CompletePairingResponse
	if err := c.post(ctx, "api.complete_pairing", pathPairingComplete, "", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}
