package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"forge/internal/corelog"
	"forge/internal/taskerr"
)

// authMiddleware enforces the bearer-token check named in the HTTP surface:
// Authorization: Bearer <tok>, or ?token=<tok> for EventSource, which
// cannot set headers. An empty configured token disables the check, for
// local/dev use.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := bearerFromHeader(c.GetHeader("Authorization"))
		if got == "" {
			got = c.Query("token")
		}
		if got != token {
			respondErr(c, &taskerr.AuthError{Message: "missing or invalid bearer token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerFromHeader(h string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// recoveryMiddleware catches a panic in any handler, logs it, and responds
// with the taxonomy's generic 500 rather than letting it escape and kill
// the listener goroutine — matching the propagation policy: the scheduler
// and its HTTP boundary never crash the process on a per-request error.
func recoveryMiddleware(logger corelog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic recovered in %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal server error"})
		c.Abort()
	})
}

// corsMiddleware allows the configured origins, or every origin when none
// are configured.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
