package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// AccountService resolves a trading account's current broker token, per
// spec.md §4.3's upstream contract:
//   GET {AccountServiceURL}/api/v1/accounts/resolve/{trading_account_id}
//   GET {TokenManagerURL}/api/v1/tokens/by-trading-account/{trading_account_id}
// It is the one concrete implementation of the "account resolution" open
// question (SPEC_FULL.md §9): async only, context-aware, living inside
// domain/broker since both of its callers — the pool factory's initial
// token fetch and ClientConfig.RefreshToken's 401 handler — are
// broker-internal concerns with no other caller in the tree.
type AccountService struct {
	httpClient        *http.Client
	accountServiceURL string
	tokenManagerURL   string
	internalAPIKey    string
	logger            *logging.Logger
}

// NewAccountService constructs an AccountService. httpClient may be nil, in
// which case a client with a 5s timeout is used.
func NewAccountService(accountServiceURL, tokenManagerURL, internalAPIKey string, httpClient *http.Client, logger *logging.Logger) *AccountService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &AccountService{
		httpClient:        httpClient,
		accountServiceURL: accountServiceURL,
		tokenManagerURL:   tokenManagerURL,
		internalAPIKey:    internalAPIKey,
		logger:            logger,
	}
}

type resolveAccountResponse struct {
	TradingAccountID string `json:"trading_account_id"`
	BrokerAccountID  string `json:"broker_account_id"`
	Active           bool   `json:"active"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// ResolveAccount confirms a trading account is active and resolves its
// broker-side account identifier.
func (s *AccountService) ResolveAccount(ctx context.Context, tradingAccountID string) (brokerAccountID string, active bool, err error) {
	var out resolveAccountResponse
	if err := s.get(ctx, s.accountServiceURL+"/api/v1/accounts/resolve/"+tradingAccountID, &out); err != nil {
		return "", false, err
	}
	return out.BrokerAccountID, out.Active, nil
}

// ResolveToken fetches the current broker access token for a trading
// account. It is used both for a client's initial token and as
// ClientConfig.RefreshToken, called on every 401 the broker client sees.
func (s *AccountService) ResolveToken(ctx context.Context, tradingAccountID string) (string, error) {
	var out tokenResponse
	if err := s.get(ctx, s.tokenManagerURL+"/api/v1/tokens/by-trading-account/"+tradingAccountID, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

func (s *AccountService) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if s.internalAPIKey != "" {
		req.Header.Set("X-Internal-API-Key", s.internalAPIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "account service request failed", err, map[string]interface{}{"url": url})
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("account service returned %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
