package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/brokerlink/internal/errs"
)

// APIError represents a non-2xx response from the broker API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true for server-side failures. Rate limiting is not
// retried here; callers decide when to come back.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

var codeKinds = map[string]error{
	"invalid_credentials": errs.ErrInvalidCredentials,
	"invalid_code":        errs.ErrInvalidCode,
	"challenge_expired":   errs.ErrChallengeExpired,
	"rate_limited":        errs.ErrRateLimited,
	"session_denied":      errs.ErrSessionDenied,
	"session_expired":     errs.ErrSessionExpired,
	"device_not_paired":   errs.ErrDeviceNotPaired,
	"unknown_device":      errs.ErrDeviceNotPaired,
	"already_paired":      errs.ErrAlreadyPaired,
}

// kindFor maps an error response onto the taxonomy, preferring the server's
// code over the status.
func kindFor(status int, code string) error {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	switch {
	case status == http.StatusUnauthorized:
		return errs.ErrInvalidCredentials
	case status == http.StatusForbidden:
		return errs.ErrSessionDenied
	case status == http.StatusNotFound:
		return errs.ErrNotFound
	case status == http.StatusConflict:
		return errs.ErrAlreadyPaired
	case status == http.StatusGone:
		return errs.ErrChallengeExpired
	case status == http.StatusUnprocessableEntity:
		return errs.ErrInvalidCode
	case status == http.StatusTooManyRequests:
		return errs.ErrRateLimited
	case status >= 500:
		return errs.ErrNetwork
	}
	return errs.ErrInvalidArgument
}

func newResponseError(op string, resp *http.Response, body []byte) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       body,
	}

	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil {
		apiErr.Code = er.Code
		if er.Message != "" {
			apiErr.Message = er.Message
		}
	}

	e := &errs.Error{
		Op:                op,
		Kind:              kindFor(resp.StatusCode, apiErr.Code),
		Code:              apiErr.Code,
		RemainingAttempts: -1,
		Err:               apiErr,
	}
	if er.AttemptsRemaining != nil {
		e.RemainingAttempts = *er.AttemptsRemaining
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// doRequest performs a JSON request. bearer, when set, is sent as the
// Authorization header.
func (c *Client) doRequest(ctx context.Context, op, method, path, bearer string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(op, errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(op, errs.ErrNetwork, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, newResponseError(op, resp, respBody)
	}

	return respBody, nil
}

// doWithRetry performs a request with exponential backoff retry on 5xx.
func (c *Client) doWithRetry(ctx context.Context, op, method, path, bearer string, in any) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, op, method, path, bearer, in)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// post sends in and decodes the response into out (when non-nil).
func (c *Client) post(ctx context.Context, op, path, bearer string, in, out any, retry bool) error {
	var (
		body []byte
		err  error
	)
	if retry {
		body, err = c.doWithRetry(ctx, op, http.MethodPost, path, bearer, in)
	} else {
		body, err = c.doRequest(ctx, op, http.MethodPost, path, bearer, in)
	}
	if err != nil {
		return err
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}

// get fetches path with query and decodes the response into out. GETs are
// idempotent, so they always retry.
func (c *Client) get(ctx context.Context, op, path, bearer string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	body, err := c.doWithRetry(ctx, op, http.MethodGet, path, bearer, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}
