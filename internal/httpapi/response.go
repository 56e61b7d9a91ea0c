package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"signal-relay/internal/signal"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationError details one rejected request field.
type ValidationError struct {
	Code    string                 `json:"code,omitempty"`
	Field   string                 `json:"field,omitempty"`
	Message string                 `json:"message,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

func dataResponse(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, APIResponse{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func successResponse(c echo.Context, data interface{}) error {
	return dataResponse(c, http.StatusOK, data)
}

func badRequestResponse(c echo.Context, data interface{}) error {
	return dataResponse(c, http.StatusBadRequest, data)
}

func notFoundResponse(c echo.Context, data interface{}) error {
	return dataResponse(c, http.StatusNotFound, data)
}

// errorResponse maps domain errors onto HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	if errors.Is(err, signal.ErrInvalidInput) {
		return badRequestResponse(c, []ValidationError{{
			Code:    "ERR_INVALID_INPUT",
			Message: err.Error(),
		}})
	}
	return dataResponse(c, http.StatusInternalServerError, "Something went wrong")
}

// httpErrorHandler renders echo's own errors (unknown route, bad method)
// in the same envelope.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
	}
	_ = dataResponse(c, status, nil)
}
