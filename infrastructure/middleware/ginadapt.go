package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// wrapHandler adapts a net/http middleware (func(http.Handler) http.Handler)
// into a gin.HandlerFunc: the wrapped middleware runs, then gin's own chain
// continues via c.Next inside the terminal handler.
func wrapHandler(wrap func(http.Handler) http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		terminal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Request = r
			c.Next()
		})
		wrap(terminal).ServeHTTP(c.Writer, c.Request)
	}
}

// CORS returns gin middleware enforcing cross-origin policy for browser
// clients of the order API (the web trading console calls these endpoints
// directly from a different origin than the service).
func CORS(cfg *CORSConfig) gin.HandlerFunc {
	m := NewCORSMiddleware(cfg)
	return wrapHandler(m.Handler)
}

// SecurityHeaders returns gin middleware setting the standard hardening
// response headers (clickjacking, MIME sniffing, caching of order/position
// data) on every response.
func SecurityHeaders() gin.HandlerFunc {
	m := NewSecurityHeadersMiddleware(nil)
	return wrapHandler(m.Handler)
}
