package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"projectfinder/internal/errs"
)

const (
	CodeOK             = 0
	CodeBadRequest     = 40000
	CodeInvalidQuery   = 40001
	CodeUnauthorized   = 40100
	CodeForbidden      = 40300
	CodeNotFound       = 40400
	CodeConflict       = 40900
	CodeInternalServer = 50000
	CodeUnavailable    = 50300
	CodeTimeout        = 50400
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

// FromError writes err with the status of its class. data may be nil.
// Unclassified errors are reported with fallback instead of their text.
func FromError(c *gin.Context, err error, fallback string, data interface{}) {
	httpStatus, code, message := classify(err, fallback)
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func classify(err error, fallback string) (int, int, string) {
	switch {
	case errors.Is(err, errs.ErrInvalidQuery):
		return http.StatusBadRequest, CodeInvalidQuery, err.Error()
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, err.Error()
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict, CodeConflict, err.Error()
	case errors.Is(err, errs.ErrProviderTimeout):
		return http.StatusGatewayTimeout, CodeTimeout, err.Error()
	case errors.Is(err, errs.ErrSourceUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, CodeInternalServer, fallback
	}
}
