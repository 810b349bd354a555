// Package broker is the outbound client to the brokerage execution API: one
// resilience-wrapped HTTP client per trading account, pooled and reused
// across requests (spec.md §4.1, §6 — "Broker API").
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	svcerrors "github.com/tradeops/order-execution-service/infrastructure/errors"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
	"github.com/tradeops/order-execution-service/infrastructure/resilience"
)

// PlaceRequest is the wire-level broker order placement payload.
type PlaceRequest struct {
	Symbol          string          `json:"tradingsymbol"`
	Exchange        string          `json:"exchange"`
	TransactionType string          `json:"transaction_type"`
	OrderType       string          `json:"order_type"`
	ProductType     string          `json:"product"`
	Variety         string          `json:"variety"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	Validity        string          `json:"validity"`
	DisclosedQty    int64           `json:"disclosed_quantity"`
	Tag             string          `json:"tag,omitempty"`
}

// PlaceResponse is what the broker returns on a successful submission.
type PlaceResponse struct {
	BrokerOrderID string `json:"order_id"`
}

// OrderStatus is one broker-reported order as returned by GetOrders, used
// by the reconciliation worker to detect drift.
type OrderStatus struct {
	BrokerOrderID  string          `json:"order_id"`
	Status         string          `json:"status"`
	StatusMessage  string          `json:"status_message"`
	FilledQuantity int64           `json:"filled_quantity"`
	PendingQty     int64           `json:"pending_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
}

// Holding is one broker-reported long-term holding.
type Holding struct {
	Symbol       string          `json:"tradingsymbol"`
	Exchange     string          `json:"exchange"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
}

// Margins is the broker-reported available trading margin.
type Margins struct {
	Available decimal.Decimal `json:"available"`
	Used      decimal.Decimal `json:"used"`
}

// Client talks to one trading account's broker session. Every call is
// gated by a circuit breaker and wrapped in the shared retry policy, per
// spec.md §4.3.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountID  string

	tokenMu sync.RWMutex
	token   string

	cb     *resilience.CircuitBreaker
	retry  resilience.RetryConfig
	logger *logging.Logger

	refreshToken func(ctx context.Context, accountID string) (string, error)
}

// ClientConfig configures a single account's broker Client.
type ClientConfig struct {
	BaseURL      string
	AccountID    string
	Token        string
	HTTPClient   *http.Client
	Logger       *logging.Logger
	RefreshToken func(ctx context.Context, accountID string) (string, error)
}

// BrokerRetryConfig is spec.md §4.3's broker call retry profile: 3
// attempts, 1s base, 5s cap, factor 2, jitter enabled.
func BrokerRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// NewClient constructs a per-account broker Client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      cfg.BaseURL,
		accountID:    cfg.AccountID,
		token:        cfg.Token,
		cb:           resilience.New(resilience.DefaultServiceCBConfig(cfg.Logger)),
		retry:        BrokerRetryConfig(),
		logger:       cfg.Logger,
		refreshToken: cfg.RefreshToken,
	}
}

// State exposes the circuit breaker's state for health/metrics reporting.
func (c *Client) State() resilience.State { return c.cb.State() }

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// do executes one HTTP call against the broker, refreshing the auth token
// and retrying exactly once on a 401, then applying the circuit breaker and
// retry policy around the whole attempt.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	op := func() error {
		return c.cb.Execute(ctx, func() error {
			return c.attempt(ctx, method, path, body, out, true)
		})
	}
	start := time.Now()
	err := resilience.Retry(ctx, c.retry, op)
	if c.logger != nil {
		c.logger.LogBrokerCall(ctx, c.accountID, method+" "+path, time.Since(start), err)
	}
	if err != nil {
		if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
			return svcerrors.UpstreamUnavailable("broker", err).WithRetryAfter(5)
		}
		return svcerrors.BrokerError(method+" "+path, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, body, out interface{}, allowRefresh bool) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && allowRefresh && c.refreshToken != nil {
		newToken, rerr := c.refreshToken(ctx, c.accountID)
		if rerr == nil && newToken != "" {
			c.setToken(newToken)
			return c.attempt(ctx, method, path, body, out, false)
		}
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PlaceOrder submits a new order to the broker.
func (c *Client) PlaceOrder(ctx context.Context, variety string, req PlaceRequest) (PlaceResponse, error) {
	var resp PlaceResponse
	err := c.do(ctx, http.MethodPost, "/orders/"+variety, req, &resp)
	return resp, err
}

// ModifyOrder updates a resting order's price/quantity/trigger.
func (c *Client) ModifyOrder(ctx context.Context, variety, brokerOrderID string, req PlaceRequest) error {
	return c.do(ctx, http.MethodPut, "/orders/"+variety+"/"+brokerOrderID, req, nil)
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, variety, brokerOrderID string) error {
	return c.do(ctx, http.MethodDelete, "/orders/"+variety+"/"+brokerOrderID, nil, nil)
}

// GetOrders fetches the account's full order book as the broker sees it —
// the source of truth consulted by reconciliation.
func (c *Client) GetOrders(ctx context.Context) ([]OrderStatus, error) {
	var out []OrderStatus
	err := c.do(ctx, http.MethodGet, "/orders", nil, &out)
	return out, err
}

// GetHoldings fetches the account's long-term holdings.
func (c *Client) GetHoldings(ctx context.Context) ([]Holding, error) {
	var out []Holding
	err := c.do(ctx, http.MethodGet, "/portfolio/holdings", nil, &out)
	return out, err
}

// GetMargins fetches the account's available trading margin.
func (c *Client) GetMargins(ctx context.Context) (Margins, error) {
	var out Margins
	err := c.do(ctx, http.MethodGet, "/user/margins", nil, &out)
	return out, err
}

// Pool holds one Client per trading account, created lazily and reused —
// grounded on spec.md §4.1's "connection pool keyed by trading_account_id".
type Pool struct {
	clients sync.Map // string -> *Client
	factory func(accountID string) ClientConfig
}

// NewPool constructs a Pool. factory supplies the per-account connection
// details (base URL, stored token, refresh callback) on first use.
func NewPool(factory func(accountID string) ClientConfig) *Pool {
	return &Pool{factory: factory}
}

// Get returns the pooled Client for accountID, constructing one on first
// access.
func (p *Pool) Get(accountID string) *Client {
	if v, ok := p.clients.Load(accountID); ok {
		return v.(*Client)
	}
	client := NewClient(p.factory(accountID))
	actual, _ := p.clients.LoadOrStore(accountID, client)
	return actual.(*Client)
}

// Evict drops the pooled client for accountID — called on account deletion
// and deactivation cascades (spec.md §4.8).
func (p *Pool) Evict(accountID string) {
	p.clients.Delete(accountID)
}
