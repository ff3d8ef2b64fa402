package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"engagekit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the engagekit HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Award asks the server to award points. A refusal by the anti-abuse checks
// comes back as Result.Success=false with a Reason; a 503 is an *APIError
// whose Retryable reports true.
func (c *Client) Award(ctx context.Context, userID string, req AwardRequest) (Result, error) {
	var res Result
	err := c.userCall(ctx, http.MethodPost, userID, "/award", req, &res)
	return res, err
}

// Deduct removes points; insufficient balance is a refusal, not an error.
func (c *Client) Deduct(ctx context.Context, userID string, req DeductRequest) (Result, error) {
	var res Result
	err := c.userCall(ctx, http.MethodPost, userID, "/deduct", req, &res)
	return res, err
}

func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	var body struct {
		Balance int64 `json:"balance"`
	}
	err := c.userCall(ctx, http.MethodGet, userID, "/balance", nil, &body)
	return body.Balance, err
}

// History returns transactions newest first.
func (c *Client) History(ctx context.Context, userID string, offset, limit int) ([]Transaction, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Transactions []Transaction `json:"transactions"`
	}
	err := c.userCall(ctx, http.MethodGet, userID, "/history?"+q.Encode(), nil, &body)
	return body.Transactions, err
}

func (c *Client) Achievements(ctx context.Context, userID string) (Achievements, error) {
	var body Achievements
	err := c.userCall(ctx, http.MethodGet, userID, "/achievements", nil, &body)
	return body, err
}

func (c *Client) Streaks(ctx context.Context, userID string) ([]Streak, error) {
	var body struct {
		Streaks []Streak `json:"streaks"`
	}
	err := c.userCall(ctx, http.MethodGet, userID, "/streaks", nil, &body)
	return body.Streaks, err
}

// SetLeaderboardOptOut hides or shows the user on public leaderboards.
func (c *Client) SetLeaderboardOptOut(ctx context.Context, userID string, optOut bool) error {
	body := map[string]bool{"leaderboard_opt_out": optOut}
	return c.userCall(ctx, http.MethodPut, userID, "/privacy", body, nil)
}

// ForceAllow lets the next (user, action) award skip the anti-abuse checks.
func (c *Client) ForceAllow(ctx context.Context, userID, actionType, adminID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	body := map[string]string{"user_id": userID, "action_type": actionType, "admin_id": adminID}
	return c.call(ctx, http.MethodPost, "/admin/force-allow", body, nil)
}

// PublishActivity reports user activity; it drives streaks and action-count
// achievements.
func (c *Client) PublishActivity(ctx context.Context, userID, kind, action string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrEmptyUserID
	}
	body := map[string]any{
		"type":    core.TopicUserActivity,
		"source":  "sdk",
		"payload": map[string]any{"user_id": userID, "kind": kind, "action": action},
	}
	var out struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, "/events", body, &out)
	return out.ID, err
}

// Leaderboard returns the top limit public standings of a category. When
// userID is set the caller's own standing is included.
func (c *Client) Leaderboard(ctx context.Context, category string, limit int, userID string) (Leaderboard, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if userID != "" {
		q.Set("user_id", userID)
	}
	path := "/leaderboards/" + url.PathEscape(category)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var lb Leaderboard
	err := c.call(ctx, http.MethodGet, path, nil, &lb)
	return lb, err
}

// Health probes /healthz. An unhealthy node answers 503, which is returned
// as the status rather than an error.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.call(ctx, http.MethodGet, "/healthz", nil, &hs)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return HealthStatus{Status: "unhealthy"}, nil
	}
	return hs, err
}

// SubscribeOptions narrows the event stream.
type SubscribeOptions struct {
	UserID string
	// Topic is a bus pattern such as "gamification.points.*".
	Topic string
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, opts SubscribeOptions) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	q := url.Values{}
	if opts.UserID != "" {
		q.Set("user_id", opts.UserID)
	}
	if opts.Topic != "" {
		q.Set("topic", opts.Topic)
	}
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	out := make(chan core.Event, 32)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			evt, err := core.Decode(data)
			if err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) userCall(ctx context.Context, method, userID, suffix string, body, out any) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return c.call(ctx, method, "/users/"+url.PathEscape(userID)+suffix, body, out)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
