package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/streamparty/watchparty-server/internal/errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"not found", apperrors.PartyNotFound(), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"not host", apperrors.NotHost(), http.StatusForbidden, apperrors.ErrCodeNotHost},
		{"not authenticated", apperrors.NotAuthenticated(), http.StatusUnauthorized, apperrors.ErrCodeNotAuthenticated},
		{"validation", apperrors.ValidationError("bad"), http.StatusBadRequest, apperrors.ErrCodeValidation},
		{"transient", apperrors.TransientStore(errors.New("timeout")), http.StatusServiceUnavailable, apperrors.ErrCodeTransientStore},
		{"exhausted", apperrors.CodeGenerationExhausted(5), http.StatusServiceUnavailable, apperrors.ErrCodeCodeGenerationExhausted},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestWriteErrorSetsRetryAfterForTransient(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperrors.TransientStore(errors.New("timeout")))
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteError(rec, apperrors.PartyNotFound())
	assert.Empty(t, rec.Header().Get("Retry-After"))
}
