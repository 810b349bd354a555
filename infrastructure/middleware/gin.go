package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tradeops/order-execution-service/infrastructure/errors"
	"github.com/tradeops/order-execution-service/infrastructure/logging"
)

// Recovery turns a panic in a handler into a structured 500 response instead
// of tearing down the process. Grounded on the teacher's RecoveryMiddleware,
// adapted to gin's handler chain.
func Recovery(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(c.Request.Context()).WithFields(map[string]interface{}{
					"panic":  r,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("panic recovered")
				serviceErr := errors.Internal("internal server error", nil)
				c.AbortWithStatusJSON(serviceErr.HTTPStatus, gin.H{
					"code":    serviceErr.Code,
					"message": serviceErr.Message,
				})
			}
		}()
		c.Next()
	}
}

// traceParentVersion is the only W3C traceparent version this service
// understands (00-<trace-id>-<span-id>-<flags>).
const traceParentVersion = "00"

// RequestContext assigns a trace ID for every request: it reuses the
// trace-id segment of an inbound W3C traceparent header when present and
// well-formed, otherwise mints a fresh one. The trace ID is echoed back on
// the response and carried on the request context for downstream logging.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := traceIDFromTraceParent(c.GetHeader("traceparent"))
		if traceID == "" {
			traceID = c.GetHeader("X-Trace-ID")
		}
		if traceID == "" {
			traceID = logging.NewTraceID()
		}

		ctx := logging.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", traceID)
		c.Set("trace_id", traceID)
		c.Next()
	}
}

func traceIDFromTraceParent(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Split(header, "-")
	if len(parts) != 4 || parts[0] != traceParentVersion {
		return ""
	}
	if len(parts[1]) != 32 {
		return ""
	}
	return parts[1]
}

// StructuredLogging logs one line per request via the shared logrus-backed
// logger, grounded on the teacher's LoggingMiddleware.
func StructuredLogging(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// GatewayClaims are the claims minted by the upstream API gateway once it
// has authenticated the end user. acct_ids lists the trading accounts the
// caller may act on — the fast path for authorizing order/position
// operations without a round trip to the account service.
type GatewayClaims struct {
	jwt.RegisteredClaims
	Role    string   `json:"role"`
	AcctIDs []string `json:"acct_ids"`
}

const (
	ctxKeyUserID  = "user_id"
	ctxKeyRole    = "role"
	ctxKeyAcctIDs = "acct_ids"
)

// JWTAuth validates the gateway-issued JWT on every request, and stores the
// authenticated user ID, role, and permitted trading-account IDs in both the
// gin context and the request's context.Context (so domain code, which
// never sees *gin.Context, can still read them via logging.GetUserID).
func JWTAuth(publicKeyPEM string) gin.HandlerFunc {
	var keyFunc jwt.Keyfunc
	if publicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
		if err == nil {
			keyFunc = func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, errors.InvalidToken(nil)
				}
				return key, nil
			}
		}
	}

	return func(c *gin.Context) {
		if keyFunc == nil {
			writeServiceError(c, errors.Internal("authentication is not configured", nil))
			return
		}

		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			writeServiceError(c, errors.Unauthorized("missing bearer token"))
			return
		}

		claims := &GatewayClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			writeServiceError(c, errors.InvalidToken(err))
			return
		}

		userID := claims.Subject
		if userID == "" {
			writeServiceError(c, errors.InvalidToken(nil).WithDetails("reason", "missing sub claim"))
			return
		}

		ctx := logging.WithUserID(c.Request.Context(), userID)
		ctx = logging.WithRole(ctx, claims.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ctxKeyUserID, userID)
		c.Set(ctxKeyRole, claims.Role)
		c.Set(ctxKeyAcctIDs, claims.AcctIDs)
		c.Next()
	}
}

// UserID returns the authenticated user ID stored by JWTAuth.
func UserID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyUserID)
	s, _ := v.(string)
	return s
}

// AllowedAccountIDs returns the trading-account IDs the caller's gateway
// token grants access to.
func AllowedAccountIDs(c *gin.Context) []string {
	v, _ := c.Get(ctxKeyAcctIDs)
	ids, _ := v.([]string)
	return ids
}

// AccountAllowed reports whether the authenticated caller's token grants
// access to tradingAccountID.
func AccountAllowed(c *gin.Context, tradingAccountID string) bool {
	for _, id := range AllowedAccountIDs(c) {
		if id == tradingAccountID {
			return true
		}
	}
	return false
}

// InternalAPIKey gates internal-only routes (e.g. the reconciliation,
// trade-fill and account-event endpoints called by sibling services, not the gateway) behind
// a shared secret compared in constant time to avoid timing side channels.
func InternalAPIKey(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			writeServiceError(c, errors.Internal("internal API key is not configured", nil))
			return
		}
		provided := c.GetHeader("X-Internal-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			writeServiceError(c, errors.Unauthorized("invalid internal API key"))
			return
		}
		c.Next()
	}
}

// IdempotencyKey extracts and requires the Idempotency-Key header on
// order-mutating endpoints, storing it in the gin context under the same
// key the idempotency store expects.
func IdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			writeServiceError(c, errors.MissingParameter("Idempotency-Key"))
			return
		}
		c.Set("idempotency_key", key)
		c.Next()
	}
}

func writeServiceError(c *gin.Context, err *errors.ServiceError) {
	if err.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"code":    err.Code,
		"message": err.Message,
		"details": err.Details,
	})
}

// RateLimit wraps the shared RateLimiter (token-bucket per user/IP) for
// gin's handler chain.
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = c.ClientIP()
		}
		if key == "" {
			key = "unknown"
		}

		limiter := rl.getLimiter(key)
		if !limiter.Allow() {
			if rl.logger != nil {
				rl.logger.LogSecurityEvent(c.Request.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    key,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				})
			}
			window := rl.window
			if window <= 0 {
				window = time.Second
			}
			seconds := int(window.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			writeServiceError(c, errors.RateLimitExceeded(rl.limit, window.String(), seconds))
			return
		}
		c.Next()
	}
}

// NoCache hints to clients and intermediaries that API responses must not be
// cached, since they carry per-user account and order state.
func NoCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// HealthCheck is a liveness endpoint independent of auth/rate-limit
// middleware. The orderapi router does not mount it; it registers its own
// /healthz handler.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
