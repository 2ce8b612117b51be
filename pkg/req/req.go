package req

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/res"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator возвращает общий экземпляр валидатора.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Decode декодирует JSON из io.Reader в структуру типа T.
func Decode[T any](body io.Reader) (T, error) {
	var payload T
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// IsValid валидирует структуру типа T.
func IsValid[T any](payload T) error {
	return Validator().Struct(payload)
}

// HandleBody декодирует и валидирует тело запроса.
// При ошибке ответ уже отправлен, вызывающему остается только выйти.
func HandleBody[T any](c *gin.Context, log *logger.Logger) (*T, bool) {
	body, err := Decode[T](c.Request.Body)
	if err != nil {
		log.Warnw("Failed to decode request body", "path", c.FullPath(), "error", err)
		res.JsonError(c, http.StatusUnprocessableEntity, "invalid_body", "malformed request body", nil)
		return nil, false
	}

	if err := IsValid(body); err != nil {
		log.Warnw("Request body validation failed", "path", c.FullPath(), "error", err)
		res.JsonError(c, http.StatusUnprocessableEntity, "validation_failed", "invalid request data", fieldErrors(err))
		return nil, false
	}
	return &body, true
}

func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
