package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusIssued  InvoiceStatus = "issued"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// Invoice is the billing record settled by webhook or replay. The
// webhook_replay_token column is the second idempotency guard: a settle
// carrying a token the invoice already holds is a no-op.
type Invoice struct {
	ID                  snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrderID             snowflake.ID   `json:"order_id" gorm:"not null;index"`
	Status              InvoiceStatus  `json:"status" gorm:"type:text;not null"`
	Currency            string         `json:"currency" gorm:"type:text;not null"`
	AmountDue           int64          `json:"amount_due" gorm:"not null"`
	AmountPaid          int64          `json:"amount_paid" gorm:"not null"`
	ProcessorCustomerID string         `json:"processor_customer_id" gorm:"type:text;not null"`
	ProcessorChargeID   string         `json:"processor_charge_id" gorm:"type:text;not null"`
	WebhookReplayToken  string         `json:"webhook_replay_token" gorm:"type:text;not null"`
	Adjustments         datatypes.JSON `json:"adjustments" gorm:"type:jsonb"`
	PaidAt              *time.Time     `json:"paid_at"`
	CreatedAt           time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time      `json:"updated_at" gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidSettle   = errors.New("invalid_settle")
)

// SettleInput carries one settlement application.
type SettleInput struct {
	InvoiceID   snowflake.ID
	ReplayToken string
	Amount      int64
	ChargeID    string
	PaidAt      time.Time
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	ApplySettlement(ctx context.Context, db *gorm.DB, invoice *Invoice) error
}
