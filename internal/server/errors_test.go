package server

import (
	"errors"
	"net/http"
	"testing"

	checkoutdomain "github.com/smallbiznis/servana/internal/checkout/domain"
	invoicedomain "github.com/smallbiznis/servana/internal/invoice/domain"
	orderdomain "github.com/smallbiznis/servana/internal/order/domain"
	paymentdomain "github.com/smallbiznis/servana/internal/payment/domain"
	processoreventdomain "github.com/smallbiznis/servana/internal/processorevent/domain"
	"github.com/smallbiznis/servana/internal/replay"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestMapErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"conflict", ErrConflict, http.StatusConflict},
		{"replay limit", replay.ErrReplayLimitExceeded, http.StatusConflict},
		{"order transition", orderdomain.ErrInvalidTransition, http.StatusConflict},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"order not found", orderdomain.ErrOrderNotFound, http.StatusNotFound},
		{"invoice not found", invoicedomain.ErrInvoiceNotFound, http.StatusNotFound},
		{"event not found", processoreventdomain.ErrEventNotFound, http.StatusNotFound},
		{"orchestration not found", checkoutdomain.ErrOrchestrationNotFound, http.StatusNotFound},
		{"provider not found", paymentdomain.ErrProviderNotFound, http.StatusNotFound},
		{"gorm not found", gorm.ErrRecordNotFound, http.StatusNotFound},
		{"secret missing", paymentdomain.ErrProviderSecretMissing, http.StatusServiceUnavailable},
		{"unavailable", ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"bad signature", paymentdomain.ErrInvalidSignature, http.StatusBadRequest},
		{"bad payload", paymentdomain.ErrInvalidPayload, http.StatusBadRequest},
		{"bad stage", checkoutdomain.ErrInvalidStage, http.StatusBadRequest},
		{"bad order status", orderdomain.ErrInvalidStatus, http.StatusBadRequest},
		{"invalid settle", invoicedomain.ErrInvalidSettle, http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
		{"internal", ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := mapError(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestMapErrorValidationPayload(t *testing.T) {
	status, payload := mapError(newValidationError("force", "invalid_boolean", "must be a boolean"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", payload.Type)
	if assert.Len(t, payload.Errors, 1) {
		assert.Equal(t, "force", payload.Errors[0].Field)
		assert.Equal(t, "invalid_boolean", payload.Errors[0].Code)
	}
}

func TestMapErrorSentinelValidationShape(t *testing.T) {
	status, payload := mapError(checkoutdomain.ErrInvalidStage)
	assert.Equal(t, http.StatusBadRequest, status)
	if assert.Len(t, payload.Errors, 1) {
		assert.Equal(t, "invalid_stage", payload.Errors[0].Code)
		assert.Equal(t, "stage", payload.Errors[0].Field)
	}
}
