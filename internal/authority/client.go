// Package authority is the HTTP binding to the remote point-of-sale backend:
// the replay target for queued mutations, the session refresh endpoint, and
// the entity read/write surface used by the repositories.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tillworks/tillsync/internal/syncengine"
)

// TokenProvider supplies the bearer token for authenticated calls.
type TokenProvider func(ctx context.Context) (string, error)

// HTTPError is a non-2xx response from the authority. Temporary reports
// whether a retry could plausibly succeed.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authority: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("authority: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *HTTPError) Temporary() bool {
	switch {
	case e.StatusCode >= 500 && e.StatusCode <= 599:
		return true
	case e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

type ClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("authority: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// applyPaths maps each mutation kind onto its named remote operation. The
// closed set mirrors what the queue admits; an unknown kind here is a
// programming error surfaced as a permanent failure.
var applyPaths = map[syncengine.MutationKind]string{
	syncengine.KindRecordSale:           "/v1/sales",
	syncengine.KindAdjustStock:          "/v1/stock/adjustments",
	syncengine.KindCreateClient:         "/v1/clients",
	syncengine.KindUpdateDebt:           "/v1/clients/debt",
	syncengine.KindRegisterCashMovement: "/v1/cash/movements",
	syncengine.KindRegisterCashEvent:    "/v1/cash/events",
}

// Apply replays one mutation against its remote operation. Implements
// syncengine.Authority.
func (c *Client) Apply(ctx context.Context, kind syncengine.MutationKind, payload map[string]any) (syncengine.ApplyResult, error) {
	path, ok := applyPaths[kind]
	if !ok {
		return syncengine.ApplyResult{}, fmt.Errorf("authority: no operation for kind %s", kind)
	}
	var result syncengine.ApplyResult
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &result); err != nil {
		return syncengine.ApplyResult{}, err
	}
	return result, nil
}

// RecordSale and friends are the online-path wrappers the repositories use
// when the network is up; they hit the same operations the replay does.
func (c *Client) RecordSale(ctx context.Context, payload map[string]any) (syncengine.ApplyResult, error) {
	return c.Apply(ctx, syncengine.KindRecordSale, payload)
}

func (c *Client) AdjustStock(ctx context.Context, payload map[string]any) (syncengine.ApplyResult, error) {
	return c.Apply(ctx, syncengine.KindAdjustStock, payload)
}

func (c *Client) CreateClient(ctx context.Context, payload map[string]any) (syncengine.ApplyResult, error) {
	return c.Apply(ctx, syncengine.KindCreateClient, payload)
}

func (c *Client) UpdateDebt(ctx context.Context, payload map[string]any) (syncengine.ApplyResult, error) {
	return c.Apply(ctx, syncengine.KindUpdateDebt, payload)
}

func (c *Client) RegisterCashMovement(ctx context.Context, payload map[string]any) (syncengine.ApplyResult, error) {
	return c.Apply(ctx, syncengine.KindRegisterCashMovement, payload)
}

func (c *Client) RegisterCashEvent(ctx context.Context, payload map[string]any) (syncengine.ApplyResult, error) {
	return c.Apply(ctx, syncengine.KindRegisterCashEvent, payload)
}

// RefreshSession exchanges a refresh token for fresh credentials. Implements
// syncengine.SessionRefresher.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (syncengine.Credentials, error) {
	body := map[string]any{"refreshToken": refreshToken}
	var creds syncengine.Credentials
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/refresh", body, &creds); err != nil {
		return syncengine.Credentials{}, err
	}
	return creds, nil
}

// IssueCredential asks the authority to mint a store credential for a client.
// Online-only; there is no queued fallback for credential issuance.
func (c *Client) IssueCredential(ctx context.Context, clientID string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/clients/" + url.PathEscape(clientID) + "/credentials"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListEntities(ctx context.Context, collection string) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/v1/"+url.PathEscape(collection), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetEntity(ctx context.Context, collection, id string) (map[string]any, error) {
	var out map[string]any
	path := "/v1/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateEntity(ctx context.Context, collection string, entity map[string]any) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/v1/"+url.PathEscape(collection), entity, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateEntity(ctx context.Context, collection, id string, entity map[string]any) (map[string]any, error) {
	var out map[string]any
	path := "/v1/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodPut, path, entity, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteEntity(ctx context.Context, collection, id string) error {
	path := "/v1/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Ping probes reachability without authentication.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return errors.New("authority client is nil")
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	fullURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		if c.tokenProvider != nil {
			token, err := c.tokenProvider(ctx)
			if err != nil {
				return err
			}
			if token = strings.TrimSpace(token); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isTemporaryNetErr(err) && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		httpErr := parseHTTPError(resp.StatusCode, respBody)
		if httpErr.Temporary() && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return httpErr
	}
}

func parseHTTPError(status int, body []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			httpErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			httpErr.Message = message
		}
	}
	return httpErr
}

// isTemporaryNetErr treats any transport failure as retryable except
// context cancellation, which is the caller's decision rather than the
// network's.
func isTemporaryNetErr(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
