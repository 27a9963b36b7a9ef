package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var item domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, status, currency, amount_due, amount_paid,
			processor_customer_id, processor_charge_id, webhook_replay_token,
			adjustments, paid_at, created_at, updated_at
		 FROM invoices
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, order_id, status, currency, amount_due, amount_paid,
			processor_customer_id, processor_charge_id, webhook_replay_token,
			adjustments, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.OrderID,
		invoice.Status,
		invoice.Currency,
		invoice.AmountDue,
		invoice.AmountPaid,
		invoice.ProcessorCustomerID,
		invoice.ProcessorChargeID,
		invoice.WebhookReplayToken,
		invoice.Adjustments,
		invoice.PaidAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) ApplySettlement(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?,
		     amount_paid = ?,
		     processor_charge_id = ?,
		     webhook_replay_token = ?,
		     paid_at = ?,
		     updated_at = ?
		 WHERE id = ?`,
		invoice.Status,
		invoice.AmountPaid,
		invoice.ProcessorChargeID,
		invoice.WebhookReplayToken,
		invoice.PaidAt,
		invoice.UpdatedAt,
		invoice.ID,
	).Error
}
