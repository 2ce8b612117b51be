package res

import (
	"github.com/gin-gonic/gin"
)

// ErrorResponse представляет формат JSON-ответа для ошибок.
type ErrorResponse struct {
	Error     string `json:"error"`                // Сообщение об ошибке (для пользователя)
	ErrorCode string `json:"error_code,omitempty"` // Код ошибки (для программной обработки)
	Details   any    `json:"details,omitempty"`    // Детали ошибки (например, ошибки валидации)
}

// JsonResponse отправляет JSON-ответ с заданным статусом.
func JsonResponse(c *gin.Context, data any, status int) {
	c.JSON(status, data)
}

// JsonError прерывает обработку запроса и отправляет JSON ответ ошибки.
func JsonError(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     message,
		ErrorCode: code,
		Details:   details,
	})
}
