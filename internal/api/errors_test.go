package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConversionError(t *testing.T) {
	apiErr := NewConversionError(models.ParseError{Line: 12, Kind: "malformed_header", Reason: "units row has 3 cells"})
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "MALFORMED_HEADER", apiErr.Code)
	assert.Equal(t, 12, apiErr.Line)
	assert.Equal(t, "units row has 3 cells", apiErr.Details)

	apiErr = NewConversionError(models.ParseError{Reason: "boom"})
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "boom", apiErr.Details)
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		method     string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "api error",
			err:        NewNotFoundError("file", "f1"),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "wrapped api error",
			err:        fmt.Errorf("handler: %w", NewConflictError("not ready")),
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name:       "echo http error",
			err:        echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"),
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "HTTP_ERROR",
		},
		{
			name:       "plain error",
			err:        errors.New("kaboom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "UNKNOWN_ERROR",
		},
		{
			name:       "head request has no body",
			err:        NewNotFoundError("file", "f1"),
			method:     http.MethodHead,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			e := echo.New()
			req := httptest.NewRequest(method, "/api/x", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			ErrorHandler(tt.err, c)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode == "" {
				assert.Empty(t, rec.Body.String())
				return
			}
			var body APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}
