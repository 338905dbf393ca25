// Package mediacontrol talks to the remote media server's control API.
// Every request carries the server UUID, a nonce and an HMAC signature as
// query parameters.
package mediacontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// Config holds the connection settings for the media server.
type Config struct {
	BaseURL    string
	APIPath    string
	ServerUUID string
	Secret     string
	Timeout    time.Duration
}

// Enabled reports whether requests can be signed and attributed.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.ServerUUID) != "" && c.Secret != "" && strings.TrimSpace(c.BaseURL) != ""
}

// Metrics receives one observation per remote request.
type Metrics interface {
	ObserveRequest(action, outcome string, elapsed time.Duration)
}

// Client is the media control API client. It holds no state apart from the nonce source.
type Client struct {
	cfg     Config
	http    *http.Client
	signer  *Signer
	nonces  *NonceSource
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for nonces and latency measurement.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client. A client with an incomplete Config is still
// usable; each call then fails with a ConfigurationError.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.APIPath == "" {
		cfg.APIPath = "/api/v1"
	}
	cfg.APIPath = "/" + strings.Trim(cfg.APIPath, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		signer: NewSigner(cfg.Secret),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	c.nonces = NewNonceSource(c.now)
	return c
}

// Enabled reports whether the client is configured to reach the server.
func (c *Client) Enabled() bool { return c.cfg.Enabled() }

// ActionPath returns the signed path for action.
func (c *Client) ActionPath(action string) string {
	return c.cfg.APIPath + "/" + action
}

// Request performs a signed call and returns the raw JSON body, which is nil
// when the server answered with an empty body.
func (c *Client) Request(ctx context.Context, method, action string, params url.Values) (json.RawMessage, error) {
	start := c.now()
	body, err := c.do(ctx, method, action, params)
	if c.metrics != nil {
		c.metrics.ObserveRequest(action, outcome(err), c.now().Sub(start))
	}
	if err != nil {
		c.logger.Debug("media control request failed",
			zap.String("action", action), zap.String("method", method), zap.Error(err))
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, action string, params url.Values) (json.RawMessage, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return nil, &ConfigurationError{Reason: "base url missing"}
	}
	if strings.TrimSpace(c.cfg.ServerUUID) == "" {
		return nil, &ConfigurationError{Reason: "server uuid missing"}
	}

	path := c.ActionPath(action)
	query := url.Values{}
	for k, vs := range params {
		if k == "signature" || k == "timestamp" {
			continue
		}
		query[k] = append([]string(nil), vs...)
	}
	query.Set("uuid", c.cfg.ServerUUID)

	nonce := c.nonces.Next()
	sig, err := c.signer.Sign(nonce, path, query)
	if err != nil {
		return nil, &ConfigurationError{Reason: "secret missing", Err: err}
	}
	query.Set("timestamp", nonce)
	query.Set("signature", sig)

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, &TransportError{Action: action, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Action: action, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteRejectionError{Action: action, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, &TransportError{Action: action, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(raw), nil
}

// AddRepublishingRule creates a rule and returns its id.
func (c *Client) AddRepublishingRule(ctx context.Context, p AddRuleParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	body, err := c.Request(ctx, http.MethodPost, ActionAddRepublishing, p.Values())
	if err != nil {
		return "", err
	}
	var out struct {
		ID     RuleID `json:"id"`
		RuleID RuleID `json:"rule_id"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return "", &TransportError{Action: ActionAddRepublishing, Err: fmt.Errorf("decode: %w", err)}
		}
	}
	if out.ID != "" {
		return string(out.ID), nil
	}
	if out.RuleID != "" {
		return string(out.RuleID), nil
	}
	return "", &TransportError{Action: ActionAddRepublishing, Err: errors.New("response carries no rule id")}
}

func (c *Client) RemoveRepublishingRule(ctx context.Context, p RemoveRuleParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := c.Request(ctx, http.MethodPost, ActionRemoveRepublishing, p.Values())
	return err
}

func (c *Client) ToggleRepublishingRule(ctx context.Context, p ToggleRuleParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := c.Request(ctx, http.MethodPost, ActionToggleRepublishing, p.Values())
	return err
}

// ListRepublishingRules accepts either {"rules": [...]} or a bare array.
func (c *Client) ListRepublishingRules(ctx context.Context) ([]Rule, error) {
	body, err := c.Request(ctx, http.MethodGet, ActionRepublishingRules, nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var rules []Rule
	if body[0] == '[' {
		if err := json.Unmarshal(body, &rules); err != nil {
			return nil, &TransportError{Action: ActionRepublishingRules, Err: fmt.Errorf("decode: %w", err)}
		}
		return rules, nil
	}
	var wrapped struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, &TransportError{Action: ActionRepublishingRules, Err: fmt.Errorf("decode: %w", err)}
	}
	return wrapped.Rules, nil
}

// GetServerConfig returns the server configuration document as-is.
func (c *Client) GetServerConfig(ctx context.Context) (map[string]any, error) {
	body, err := c.Request(ctx, http.MethodGet, ActionServerConfig, nil)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &TransportError{Action: ActionServerConfig, Err: fmt.Errorf("decode: %w", err)}
	}
	return out, nil
}

func (c *Client) GetServerStats(ctx context.Context) (*ServerStats, error) {
	body, err := c.Request(ctx, http.MethodGet, ActionServerStats, nil)
	if err != nil {
		return nil, err
	}
	stats := &ServerStats{}
	if len(body) == 0 {
		return stats, nil
	}
	if err := json.Unmarshal(body, stats); err != nil {
		return nil, &TransportError{Action: ActionServerStats, Err: fmt.Errorf("decode: %w", err)}
	}
	return stats, nil
}

// IsStreamActive reports whether the server currently receives streamName.
func (c *Client) IsStreamActive(ctx context.Context, streamName string) (bool, error) {
	stats, err := c.GetServerStats(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range stats.Streams {
		if s.Name == streamName || s.Stream == streamName {
			return true, nil
		}
	}
	return false, nil
}

// TestConnection succeeds when the server answers a signed config request.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodGet, ActionServerConfig, nil)
	return err
}
