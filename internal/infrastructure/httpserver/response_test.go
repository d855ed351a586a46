package httpserver_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/searchsync/internal/domain/errs"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/infrastructure/httpserver"
)

type tenantError struct{}

func (tenantError) Error() string       { return "unknown tenant" }
func (tenantError) HTTPStatus() int     { return http.StatusNotFound }
func (tenantError) HTTPCode() string    { return "UNKNOWN_TENANT" }
func (tenantError) HTTPMessage() string { return "tenant not configured" }

func TestRespondOK(t *testing.T) {
	tests := []struct {
		name         string
		data         any
		expectedBody string
	}{
		{
			name:         "count payload",
			data:         map[string]int{"aborted": 42},
			expectedBody: `{"success":true,"data":{"aborted":42}}`,
		},
		{
			name:         "nil data",
			data:         nil,
			expectedBody: `{"success":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := httpserver.RespondOK(c, tt.data)

			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, tt.expectedBody, rec.Body.String())
			assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
		})
	}
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
		expectedMsg    string
	}{
		{
			name:           "not found error",
			err:            errs.ErrNotFound,
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
			expectedMsg:    "The requested resource was not found",
		},
		{
			name:           "invalid input error",
			err:            errs.ErrInvalidInput,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
			expectedMsg:    "Invalid input data",
		},
		{
			name:           "concurrent modification error",
			err:            errs.ErrConcurrentModification,
			expectedStatus: http.StatusConflict,
			expectedCode:   "CONCURRENT_MODIFICATION",
			expectedMsg:    "Resource was modified by another request",
		},
		{
			name:           "store timeout",
			err:            fmt.Errorf("count aborted events: %w", context.DeadlineExceeded),
			expectedStatus: http.StatusGatewayTimeout,
			expectedCode:   "STORE_TIMEOUT",
			expectedMsg:    "The outbox store did not answer in time",
		},
		{
			name:           "duplicate agent is internal",
			err:            outbox.ErrAgentExists,
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL_ERROR",
			expectedMsg:    "An internal error occurred",
		},
		{
			name:           "typed error keeps its own code",
			err:            fmt.Errorf("count: %w", tenantError{}),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "UNKNOWN_TENANT",
			expectedMsg:    "tenant not configured",
		},
		{
			name:           "agent evicted maps to not found",
			err:            outbox.ErrAgentEvicted,
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
			expectedMsg:    "The requested resource was not found",
		},
		{
			name:           "assignment conflict",
			err:            outbox.ErrAssignmentConflict,
			expectedStatus: http.StatusConflict,
			expectedCode:   "CONCURRENT_MODIFICATION",
			expectedMsg:    "Resource was modified by another request",
		},
		{
			name:           "unknown error",
			err:            errors.New("something unexpected"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL_ERROR",
			expectedMsg:    "An internal error occurred",
		},
		{
			name:           "wrapped not found error",
			err:            errors.Join(errors.New("context"), errs.ErrNotFound),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
			expectedMsg:    "The requested resource was not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := httpserver.RespondError(c, tt.err)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, rec.Code)

			// Check response structure
			expectedBody := `{
				"success": false,
				"error": {
					"code": "` + tt.expectedCode + `",
					"message": "` + tt.expectedMsg + `"
				}
			}`
			assert.JSONEq(t, expectedBody, rec.Body.String())
		})
	}
}

func TestRespondErrorWithCode(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "Name is required")

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	expectedBody := `{
		"success": false,
		"error": {
			"code": "VALIDATION_ERROR",
			"message": "Name is required"
		}
	}`
	assert.JSONEq(t, expectedBody, rec.Body.String())
}
