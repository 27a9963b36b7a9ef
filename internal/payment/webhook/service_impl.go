package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/servana/internal/payment/domain"
	paymentservice "github.com/smallbiznis/servana/internal/payment/service"
	processoreventdomain "github.com/smallbiznis/servana/internal/processorevent/domain"
	processoreventservice "github.com/smallbiznis/servana/internal/processorevent/service"
	"github.com/smallbiznis/servana/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// IngestResult is what the webhook endpoint returns to the provider.
type IngestResult struct {
	Status string `json:"status"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Ledger     *processoreventservice.Service
	PaymentSvc *paymentservice.Service
	Queue      queue.ReplayQueue
}

// Service ingests provider webhooks: verify the signature, ledger the
// delivery exactly once, and apply the domain effect on first sight.
// Effect failures never bounce the delivery; the event is parked for
// replay and the provider still gets its ack.
type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	ledger     *processoreventservice.Service
	paymentSvc *paymentservice.Service
	queue      queue.ReplayQueue
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("webhook.service"),
		clock:      p.Clock,
		ledger:     p.Ledger,
		paymentSvc: p.PaymentSvc,
		queue:      p.Queue,
	}
}

func (s *Service) IngestWebhook(
	ctx context.Context,
	provider string,
	payload []byte,
	headers http.Header,
) (*IngestResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}

	adapter, err := s.paymentSvc.AdapterFor(provider)
	if err != nil {
		s.countResult(provider, err)
		return nil, err
	}

	if len(payload) == 0 || !json.Valid(payload) {
		metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultRejected)
		return nil, paymentdomain.ErrInvalidPayload
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultRejected)
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			// Out-of-scope event types are acked without a ledger row.
			metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultIgnored)
			return &IngestResult{Status: StatusIgnored}, nil
		}
		metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultRejected)
		return nil, err
	}

	hash := sha256.Sum256(payload)
	stored, created, err := s.ledger.RecordEvent(ctx, processoreventRecordInput(provider, event, payload, hex.EncodeToString(hash[:]), headers))
	if err != nil {
		metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultError)
		return nil, err
	}
	if !created {
		metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultDuplicate)
		return &IngestResult{Status: StatusDuplicate}, nil
	}

	if _, err := s.paymentSvc.ApplyParsed(ctx, stored, event); err != nil {
		// The delivery itself was valid; park the effect for replay and ack.
		s.log.Warn("webhook effect deferred to replay",
			zap.String("provider", provider),
			zap.String("external_id", event.ExternalID),
			zap.String("event_id", stored.ID.String()),
			zap.Error(err),
		)
		if reqErr := s.ledger.RequestReplay(ctx, stored.ID); reqErr != nil {
			metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultError)
			return nil, reqErr
		}
		if qErr := s.queue.Enqueue(ctx, stored.ID); qErr != nil {
			s.log.Warn("replay enqueue failed, event will be picked up by the scheduler",
				zap.String("event_id", stored.ID.String()),
				zap.Error(qErr),
			)
		}
	}

	metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultProcessed)
	return &IngestResult{Status: StatusProcessed}, nil
}

func processoreventRecordInput(
	provider string,
	event *paymentdomain.PaymentEvent,
	payload []byte,
	payloadHash string,
	headers http.Header,
) processoreventdomain.RecordInput {
	return processoreventdomain.RecordInput{
		Provider:      provider,
		ExternalID:    event.ExternalID,
		EventType:     event.Type,
		PayloadHash:   payloadHash,
		Payload:       payload,
		CorrelationID: headers.Get("X-Correlation-Id"),
		InvoiceID:     event.InvoiceID,
	}
}

func (s *Service) countResult(provider string, err error) {
	switch {
	case errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrProviderSecretMissing):
		metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultRejected)
	default:
		metrics.Reconciliation().IncWebhookEvent(provider, metrics.WebhookResultError)
	}
}
