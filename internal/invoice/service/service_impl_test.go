package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/invoice/domain"
	"github.com/smallbiznis/servana/internal/invoice/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newInvoiceService(t *testing.T) (*Service, *gorm.DB, *snowflake.Node, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE invoices (
		id BIGINT PRIMARY KEY,
		order_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'issued',
		currency TEXT NOT NULL DEFAULT '',
		amount_due BIGINT NOT NULL DEFAULT 0,
		amount_paid BIGINT NOT NULL DEFAULT 0,
		processor_customer_id TEXT NOT NULL DEFAULT '',
		processor_charge_id TEXT NOT NULL DEFAULT '',
		webhook_replay_token TEXT NOT NULL DEFAULT '',
		adjustments TEXT,
		paid_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return svc, db, node, fake
}

func seedInvoice(t *testing.T, db *gorm.DB, node *snowflake.Node, amountDue int64) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.Exec(
		`INSERT INTO invoices (id, order_id, status, currency, amount_due, created_at, updated_at)
		 VALUES (?, ?, 'issued', 'USD', ?, ?, ?)`,
		id, node.Generate(), amountDue, now, now,
	).Error)
	return id
}

func TestSettleMarksPaid(t *testing.T) {
	svc, _, node, fake := newInvoiceService(t)
	ctx := context.Background()
	invoiceID := seedInvoice(t, svc.db, node, 5000)

	paidAt := fake.Now().Add(-time.Minute)
	settled, err := svc.Settle(ctx, domain.SettleInput{
		InvoiceID:   invoiceID,
		ReplayToken: "evt_100",
		Amount:      5000,
		ChargeID:    "ch_1",
		PaidAt:      paidAt,
	})
	require.NoError(t, err)
	assert.True(t, settled)

	invoice, err := svc.Get(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(5000), invoice.AmountPaid)
	assert.Equal(t, "ch_1", invoice.ProcessorChargeID)
	assert.Equal(t, "evt_100", invoice.WebhookReplayToken)
	require.NotNil(t, invoice.PaidAt)
	assert.WithinDuration(t, paidAt, *invoice.PaidAt, time.Second)
}

func TestSettleSameTokenNoOp(t *testing.T) {
	svc, _, node, _ := newInvoiceService(t)
	ctx := context.Background()
	invoiceID := seedInvoice(t, svc.db, node, 5000)

	settled, err := svc.Settle(ctx, domain.SettleInput{InvoiceID: invoiceID, ReplayToken: "evt_200"})
	require.NoError(t, err)
	require.True(t, settled)

	// Replaying the identical event must not re-credit.
	settled, err = svc.Settle(ctx, domain.SettleInput{InvoiceID: invoiceID, ReplayToken: "evt_200"})
	require.NoError(t, err)
	assert.False(t, settled)

	invoice, err := svc.Get(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), invoice.AmountPaid)
}

func TestSettleAlreadyPaidDifferentToken(t *testing.T) {
	svc, _, node, _ := newInvoiceService(t)
	ctx := context.Background()
	invoiceID := seedInvoice(t, svc.db, node, 5000)

	settled, err := svc.Settle(ctx, domain.SettleInput{InvoiceID: invoiceID, ReplayToken: "evt_300"})
	require.NoError(t, err)
	require.True(t, settled)

	// Second line of defense: a different event against a paid invoice is
	// still a no-op.
	settled, err = svc.Settle(ctx, domain.SettleInput{InvoiceID: invoiceID, ReplayToken: "evt_301"})
	require.NoError(t, err)
	assert.False(t, settled)

	invoice, err := svc.Get(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, "evt_300", invoice.WebhookReplayToken, "first settlement's token stays")
	assert.Equal(t, int64(5000), invoice.AmountPaid)
}

func TestSettleDefaultsAmountToDue(t *testing.T) {
	svc, _, node, fake := newInvoiceService(t)
	invoiceID := seedInvoice(t, svc.db, node, 7700)

	settled, err := svc.Settle(context.Background(), domain.SettleInput{InvoiceID: invoiceID, ReplayToken: "evt_400"})
	require.NoError(t, err)
	require.True(t, settled)

	invoice, err := svc.Get(context.Background(), invoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(7700), invoice.AmountPaid)
	require.NotNil(t, invoice.PaidAt)
	assert.WithinDuration(t, fake.Now(), *invoice.PaidAt, time.Second, "paid_at falls back to the clock")
}

func TestSettleValidation(t *testing.T) {
	svc, _, node, _ := newInvoiceService(t)
	ctx := context.Background()

	_, err := svc.Settle(ctx, domain.SettleInput{ReplayToken: "evt"})
	assert.ErrorIs(t, err, domain.ErrInvalidSettle)

	_, err = svc.Settle(ctx, domain.SettleInput{InvoiceID: node.Generate()})
	assert.ErrorIs(t, err, domain.ErrInvalidSettle)

	_, err = svc.Settle(ctx, domain.SettleInput{InvoiceID: node.Generate(), ReplayToken: "evt"})
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}
