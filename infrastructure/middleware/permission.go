package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// PermissionChecker falls back to the permission service (spec.md:224) when
// a caller's JWT acct_ids claim doesn't already settle an account-access
// check — e.g. a token minted before the account was shared with the user,
// or a service account whose access grants are too numerous to embed in a
// JWT.
type PermissionChecker struct {
	httpClient     *http.Client
	baseURL        string
	internalAPIKey string
}

// NewPermissionChecker constructs a PermissionChecker. httpClient may be
// nil, in which case a client with a 3s timeout is used.
func NewPermissionChecker(baseURL, internalAPIKey string, httpClient *http.Client) *PermissionChecker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &PermissionChecker{httpClient: httpClient, baseURL: baseURL, internalAPIKey: internalAPIKey}
}

type permissionCheckRequest struct {
	UserID           string `json:"user_id"`
	TradingAccountID string `json:"trading_account_id"`
}

type permissionCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// Check asks the permission service whether userID may act on
// tradingAccountID. A checker with no baseURL configured always denies,
// since that means the fallback path was reached with nothing to fall
// back to.
func (p *PermissionChecker) Check(ctx context.Context, userID, tradingAccountID string) (bool, error) {
	if p == nil || p.baseURL == "" {
		return false, nil
	}

	body, err := json.Marshal(permissionCheckRequest{UserID: userID, TradingAccountID: tradingAccountID})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/permissions/check", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.internalAPIKey != "" {
		req.Header.Set("X-Internal-API-Key", p.internalAPIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, nil
	}
	var out permissionCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// AccountAllowedWithFallback tries the JWT acct_ids fast path first, then
// the permission service when that misses and a checker is configured.
func AccountAllowedWithFallback(c *gin.Context, checker *PermissionChecker, tradingAccountID string) bool {
	if AccountAllowed(c, tradingAccountID) {
		return true
	}
	if checker == nil {
		return false
	}
	allowed, err := checker.Check(c.Request.Context(), UserID(c), tradingAccountID)
	if err != nil {
		return false
	}
	return allowed
}
