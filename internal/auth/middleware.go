package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of a request.
const ResultKey = "auth_result"

// Middleware provides authentication middleware for gin handlers. A nil
// or disabled Service lets every request through.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

func bearer(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// GinAuth authenticates the bearer token and stores the result.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.svc.Enabled() {
			c.Next()
			return
		}
		res, err := m.svc.Authenticate(bearer(c.Request))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="swapr"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequireScope rejects authenticated callers lacking scope.
func (m *Middleware) GinRequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.svc.Enabled() {
			c.Next()
			return
		}
		v, _ := c.Get(ResultKey)
		res, _ := v.(*Result)
		if res == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !res.Allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing scope " + scope})
			return
		}
		c.Next()
	}
}
