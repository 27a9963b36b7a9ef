package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypeRefunded         = "refunded"
)

// PaymentEvent is the canonical provider event parsed by adapters.
type PaymentEvent struct {
	Provider    string
	ExternalID  string
	PaymentID   string
	PaymentType string
	Type        string
	InvoiceID   *snowflake.ID
	Amount      int64
	Currency    string
	OccurredAt  time.Time
	RawPayload  []byte
}

// AdapterConfig carries the per-provider configuration an adapter needs.
type AdapterConfig struct {
	Provider      string
	WebhookSecret string
}

// PaymentAdapter verifies and parses one provider's webhook payloads.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// AdapterFactory builds adapters for one provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrProviderSecretMissing = errors.New("provider_secret_missing")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidConfig         = errors.New("invalid_config")
	ErrEventIgnored          = errors.New("event_ignored")
)
