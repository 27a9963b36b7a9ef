package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Get loads one invoice.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return invoice, nil
}

// Settle marks the invoice paid and stamps the replay token. Returns false
// without mutating anything when the invoice already carries the token or is
// already paid, so re-applying the same event never re-credits.
func (s *Service) Settle(ctx context.Context, input domain.SettleInput) (bool, error) {
	token := strings.TrimSpace(input.ReplayToken)
	if input.InvoiceID == 0 || token == "" {
		return false, domain.ErrInvalidSettle
	}

	settled := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, input.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrInvoiceNotFound
		}
		if invoice.WebhookReplayToken == token {
			return nil
		}
		if invoice.Status == domain.InvoiceStatusPaid {
			return nil
		}

		paidAt := input.PaidAt
		if paidAt.IsZero() {
			paidAt = s.clock.Now()
		}
		amount := input.Amount
		if amount <= 0 {
			amount = invoice.AmountDue
		}

		invoice.Status = domain.InvoiceStatusPaid
		invoice.AmountPaid += amount
		if chargeID := strings.TrimSpace(input.ChargeID); chargeID != "" {
			invoice.ProcessorChargeID = chargeID
		}
		invoice.WebhookReplayToken = token
		invoice.PaidAt = &paidAt
		invoice.UpdatedAt = s.clock.Now()

		if err := s.repo.ApplySettlement(ctx, tx, invoice); err != nil {
			return err
		}
		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}
