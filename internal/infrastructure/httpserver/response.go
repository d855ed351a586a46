package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/searchsync/internal/domain/errs"
)

// Response is the envelope of every admin API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an error in the API response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPError lets an error choose its own HTTP representation.
// service.PreconditionError implements it.
type HTTPError interface {
	error
	HTTPStatus() int
	HTTPCode() string
	HTTPMessage() string
}

// errorMapping translates a sentinel into a response. Mappings are tried in
// order and the first match wins.
type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "STORE_TIMEOUT", "The outbox store did not answer in time"},
	{errs.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "The requested resource was not found"},
	{errs.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", "Invalid input data"},
	{errs.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION", "Resource was modified by another request"},
}

// RespondOK sends a 200 OK response with data.
func RespondOK(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// RespondError sends an error JSON response based on the error type.
func RespondError(c echo.Context, err error) error {
	statusCode, apiError := mapError(err)
	return c.JSON(statusCode, Response{
		Success: false,
		Error:   apiError,
	})
}

// RespondErrorWithCode sends an error JSON response with a specific HTTP status code.
func RespondErrorWithCode(c echo.Context, code int, errorCode, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error: &Error{
			Code:    errorCode,
			Message: message,
		},
	})
}

func mapError(err error) (int, *Error) {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.HTTPStatus(), &Error{
			Code:    httpErr.HTTPCode(),
			Message: httpErr.HTTPMessage(),
		}
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, &Error{Code: m.code, Message: m.message}
		}
	}

	return http.StatusInternalServerError, &Error{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}
}
