package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/res"
	"github.com/gin-gonic/gin"
)

// APIKeyHeader заголовок с ключом административного API
const APIKeyHeader = "X-API-Key"

// RequireAPIKey пропускает только запросы с ключом apiKey
func RequireAPIKey(apiKey string, log *logger.Logger) gin.HandlerFunc {
	expected := []byte(apiKey)
	return func(c *gin.Context) {
		provided := []byte(c.GetHeader(APIKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			log.Warnw("Admin API authentication failed", "path", c.Request.URL.Path, "clientIP", c.ClientIP())
			res.JsonError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid API key", nil)
			return
		}
		c.Next()
	}
}
