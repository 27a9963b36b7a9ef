package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/smallbiznis/servana/internal/checkout/domain"
	checkoutservice "github.com/smallbiznis/servana/internal/checkout/service"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/config"
	hostedsessionservice "github.com/smallbiznis/servana/internal/hostedsession/service"
	invoicedomain "github.com/smallbiznis/servana/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/servana/internal/invoice/service"
	orderdomain "github.com/smallbiznis/servana/internal/order/domain"
	orderservice "github.com/smallbiznis/servana/internal/order/service"
	"github.com/smallbiznis/servana/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/servana/internal/payment/domain"
	processoreventdomain "github.com/smallbiznis/servana/internal/processorevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrMissingInvoice = errors.New("missing_invoice")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Cfg         config.Config
	Adapters    *adapters.Registry
	InvoiceSvc  *invoiceservice.Service
	OrderSvc    *orderservice.Service
	CheckoutSvc *checkoutservice.Service
	SessionSvc  *hostedsessionservice.Service
}

// Service applies the domain effect of one ledgered provider event: settle
// the invoice, close hosted sessions, advance the order, and project the
// outcome onto the checkout orchestration.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.Config
	adapters    *adapters.Registry
	invoiceSvc  *invoiceservice.Service
	orderSvc    *orderservice.Service
	checkoutSvc *checkoutservice.Service
	sessionSvc  *hostedsessionservice.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		clock:       p.Clock,
		cfg:         p.Cfg,
		adapters:    p.Adapters,
		invoiceSvc:  p.InvoiceSvc,
		orderSvc:    p.OrderSvc,
		checkoutSvc: p.CheckoutSvc,
		sessionSvc:  p.SessionSvc,
	}
}

// Registry exposes the adapter registry for ingestion-side lookups.
func (s *Service) Registry() *adapters.Registry {
	return s.adapters
}

// AdapterFor builds the provider's adapter from configured secrets.
func (s *Service) AdapterFor(provider string) (paymentdomain.PaymentAdapter, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.adapters.ProviderExists(provider) {
		return nil, paymentdomain.ErrProviderNotFound
	}
	secret, ok := s.cfg.ProviderWebhookSecrets[provider]
	if !ok || strings.TrimSpace(secret) == "" {
		return nil, paymentdomain.ErrProviderSecretMissing
	}
	return s.adapters.NewAdapter(provider, paymentdomain.AdapterConfig{
		Provider:      provider,
		WebhookSecret: secret,
	})
}

// ApplyStored re-parses a ledgered payload and applies its effect. Used by
// the replay engine, where the payload is already persisted and signature
// verification is moot.
func (s *Service) ApplyStored(ctx context.Context, stored *processoreventdomain.ProcessorEvent) (*snowflake.ID, error) {
	if stored == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}
	if !s.adapters.ProviderExists(stored.Provider) {
		return nil, fmt.Errorf("unsupported_provider:%s", stored.Provider)
	}
	adapter, err := s.AdapterFor(stored.Provider)
	if err != nil {
		return nil, err
	}
	event, err := adapter.Parse(ctx, []byte(stored.Payload))
	if err != nil {
		return nil, err
	}
	return s.ApplyParsed(ctx, stored, event)
}

// ApplyParsed applies one parsed event's effect and returns the invoice it
// resolved to. Resolution order: the ledger row's linked invoice, then the
// payload metadata correlation id.
func (s *Service) ApplyParsed(
	ctx context.Context,
	stored *processoreventdomain.ProcessorEvent,
	event *paymentdomain.PaymentEvent,
) (*snowflake.ID, error) {
	if stored == nil || event == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	invoiceID := stored.InvoiceID
	if invoiceID == nil || *invoiceID == 0 {
		invoiceID = event.InvoiceID
	}
	if invoiceID == nil || *invoiceID == 0 {
		return nil, ErrMissingInvoice
	}

	invoice, err := s.invoiceSvc.Get(ctx, *invoiceID)
	if err != nil {
		return nil, err
	}

	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		if err := s.settle(ctx, stored, event, invoice); err != nil {
			return invoiceID, err
		}
	case paymentdomain.EventTypePaymentFailed:
		if err := s.recordFailure(ctx, stored, event, invoice); err != nil {
			return invoiceID, err
		}
	case paymentdomain.EventTypeRefunded:
		if err := s.recordRefund(ctx, stored, event, invoice); err != nil {
			return invoiceID, err
		}
	default:
		return invoiceID, paymentdomain.ErrEventIgnored
	}

	return invoiceID, nil
}

func (s *Service) settle(
	ctx context.Context,
	stored *processoreventdomain.ProcessorEvent,
	event *paymentdomain.PaymentEvent,
	invoice *invoicedomain.Invoice,
) error {
	settled, err := s.invoiceSvc.Settle(ctx, invoicedomain.SettleInput{
		InvoiceID:   invoice.ID,
		ReplayToken: stored.ExternalID,
		Amount:      event.Amount,
		ChargeID:    event.PaymentID,
		PaidAt:      event.OccurredAt,
	})
	if err != nil {
		return err
	}
	if !settled {
		// Replay token already stamped or invoice settled elsewhere.
		return nil
	}

	if _, err := s.sessionSvc.CompleteForInvoice(ctx, invoice.ID, event.OccurredAt); err != nil {
		return err
	}

	if err := s.advanceOrder(ctx, invoice.OrderID, orderdomain.OrderStatusProcessing, stored); err != nil {
		return err
	}

	return s.projectStage(ctx, invoice.OrderID, checkoutdomain.StagePayment, checkoutdomain.StageStatusCompleted, stored, event)
}

func (s *Service) recordFailure(
	ctx context.Context,
	stored *processoreventdomain.ProcessorEvent,
	event *paymentdomain.PaymentEvent,
	invoice *invoicedomain.Invoice,
) error {
	if _, err := s.sessionSvc.FailForInvoice(ctx, invoice.ID, event.Type); err != nil {
		return err
	}
	return s.projectStage(ctx, invoice.OrderID, checkoutdomain.StagePayment, checkoutdomain.StageStatusFailed, stored, event)
}

func (s *Service) recordRefund(
	ctx context.Context,
	stored *processoreventdomain.ProcessorEvent,
	event *paymentdomain.PaymentEvent,
	invoice *invoicedomain.Invoice,
) error {
	return s.orderSvc.RecordEvent(
		ctx,
		invoice.OrderID,
		orderdomain.EventTypeRefundCompleted,
		orderdomain.Actor{Type: "system", ID: stored.Provider},
		"refund reported by payment provider",
		map[string]any{
			"external_event_id": stored.ExternalID,
			"amount":            event.Amount,
			"currency":          event.Currency,
		},
	)
}

// advanceOrder pushes the order forward after a settlement. An order that is
// already past the target stays put; only genuinely illegal states surface.
func (s *Service) advanceOrder(
	ctx context.Context,
	orderID snowflake.ID,
	target orderdomain.OrderStatus,
	stored *processoreventdomain.ProcessorEvent,
) error {
	err := s.orderSvc.Transition(
		ctx,
		orderID,
		target,
		orderdomain.Actor{Type: "system", ID: stored.Provider},
		"payment settled",
		map[string]any{"external_event_id": stored.ExternalID},
	)
	if errors.Is(err, orderdomain.ErrInvalidTransition) {
		s.log.Debug("order already past settlement stage",
			zap.String("order_id", orderID.String()),
			zap.String("target", string(target)),
		)
		return nil
	}
	return err
}

func (s *Service) projectStage(
	ctx context.Context,
	orderID snowflake.ID,
	stage checkoutdomain.Stage,
	status checkoutdomain.StageStatus,
	stored *processoreventdomain.ProcessorEvent,
	event *paymentdomain.PaymentEvent,
) error {
	if _, err := s.checkoutSvc.GetOrCreate(ctx, orderID, nil); err != nil {
		return err
	}
	_, err := s.checkoutSvc.ApplyUpdate(ctx, orderID, checkoutdomain.StageUpdate{
		Stage:  stage,
		Status: status,
		Note:   fmt.Sprintf("%s via %s webhook", event.Type, stored.Provider),
		MetadataPatch: map[string]any{
			"last_payment_event": stored.ExternalID,
		},
	})
	return err
}
