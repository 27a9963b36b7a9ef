package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	checkoutrepository "github.com/smallbiznis/servana/internal/checkout/repository"
	checkoutservice "github.com/smallbiznis/servana/internal/checkout/service"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/config"
	hostedsessionrepository "github.com/smallbiznis/servana/internal/hostedsession/repository"
	hostedsessionservice "github.com/smallbiznis/servana/internal/hostedsession/service"
	invoicerepository "github.com/smallbiznis/servana/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/servana/internal/invoice/service"
	orderdomain "github.com/smallbiznis/servana/internal/order/domain"
	orderrepository "github.com/smallbiznis/servana/internal/order/repository"
	orderservice "github.com/smallbiznis/servana/internal/order/service"
	"github.com/smallbiznis/servana/internal/payment/adapters"
	"github.com/smallbiznis/servana/internal/payment/adapters/stripe"
	paymentservice "github.com/smallbiznis/servana/internal/payment/service"
	processoreventdomain "github.com/smallbiznis/servana/internal/processorevent/domain"
	processoreventrepository "github.com/smallbiznis/servana/internal/processorevent/repository"
	"github.com/smallbiznis/servana/internal/providers/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type replayFixture struct {
	svc    *Service
	db     *gorm.DB
	node   *snowflake.Node
	fake   *clock.FakeClock
	events processoreventdomain.Repository
}

func newReplayFixture(t *testing.T) *replayFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	statements := []string{
		`CREATE TABLE processor_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			external_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT,
			payload_hash TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			workspace_id BIGINT,
			invoice_id BIGINT,
			replay_requested BOOLEAN NOT NULL DEFAULT FALSE,
			replay_attempts INTEGER NOT NULL DEFAULT 0,
			last_replay_error TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (provider, external_id),
			UNIQUE (provider, payload_hash)
		)`,
		`CREATE TABLE replay_attempts (
			id BIGINT PRIMARY KEY,
			event_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			attempted_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE invoices (
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
		)`,
		`CREATE TABLE orders (
			id BIGINT PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			workspace_id BIGINT,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT '',
			total_amount BIGINT NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE order_state_events (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor_type TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE hosted_checkout_sessions (
			id BIGINT PRIMARY KEY,
			invoice_id BIGINT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			provider_session_id TEXT NOT NULL DEFAULT '',
			session_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at TIMESTAMP,
			next_retry_at TIMESTAMP,
			last_error TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			expires_at TIMESTAMP,
			completed_at TIMESTAMP,
			cancelled_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE hosted_session_recovery_runs (
			id BIGINT PRIMARY KEY,
			triggered_by TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled INTEGER NOT NULL,
			notified INTEGER NOT NULL,
			expired INTEGER NOT NULL,
			abandoned INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE checkout_orchestrations (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL UNIQUE,
			user_id BIGINT,
			current_stage TEXT NOT NULL,
			stage_status TEXT NOT NULL,
			metadata TEXT,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			failed_at TIMESTAMP,
			last_transition_at TIMESTAMP,
			next_action_at TIMESTAMP,
			locked_until TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE checkout_orchestration_events (
			id BIGINT PRIMARY KEY,
			orchestration_id BIGINT NOT NULL,
			order_id BIGINT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			payload TEXT,
			occurred_at TIMESTAMP NOT NULL
		)`,
	}
	for _, statement := range statements {
		require.NoError(t, db.Exec(statement).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)

	hold := config.NewStaticReconciliationConfigHolder(config.ReconciliationConfig{
		MaxReplayAttempts:      3,
		ReplayBatchSize:        50,
		RecoveryBatchSize:      50,
		SessionMaxAttempts:     3,
		SessionRetryBackoff:    15 * time.Minute,
		SessionRetryBackoffCap: time.Hour,
	})

	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: invoicerepository.Provide(),
	})
	orderSvc := orderservice.NewService(orderservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: orderrepository.Provide(),
	})
	checkoutSvc := checkoutservice.NewService(checkoutservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Repo: checkoutrepository.Provide(),
	})
	sessionSvc := hostedsessionservice.NewService(hostedsessionservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
		Repo:    hostedsessionrepository.Provide(),
		Gateway: &notification.NoOpGateway{},
		CfgHold: hold,
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, Clock: fake,
		Cfg: config.Config{
			ProviderWebhookSecrets: map[string]string{"stripe": "whsec_test"},
		},
		Adapters:    adapters.NewRegistry(stripe.NewFactory()),
		InvoiceSvc:  invoiceSvc,
		OrderSvc:    orderSvc,
		CheckoutSvc: checkoutSvc,
		SessionSvc:  sessionSvc,
	})

	events := processoreventrepository.Provide()
	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: fake,
		CfgHold:    hold,
		Events:     events,
		PaymentSvc: paymentSvc,
	})

	return &replayFixture{svc: svc, db: db, node: node, fake: fake, events: events}
}

func (f *replayFixture) seedOrder(t *testing.T, status orderdomain.OrderStatus) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.fake.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO orders (id, customer_id, status, source, currency, total_amount, created_at, updated_at)
		 VALUES (?, ?, ?, 'checkout', 'USD', 5000, ?, ?)`,
		id, f.node.Generate(), status, now, now,
	).Error)
	return id
}

func (f *replayFixture) seedInvoice(t *testing.T, orderID snowflake.ID, amountDue int64) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.fake.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO invoices (id, order_id, status, currency, amount_due, created_at, updated_at)
		 VALUES (?, ?, 'issued', 'USD', ?, ?, ?)`,
		id, orderID, amountDue, now, now,
	).Error)
	return id
}

func (f *replayFixture) seedEvent(t *testing.T, mutate func(*processoreventdomain.ProcessorEvent)) *processoreventdomain.ProcessorEvent {
	t.Helper()
	now := f.fake.Now()
	event := processoreventdomain.ProcessorEvent{
		ID:              f.node.Generate(),
		Provider:        "stripe",
		ExternalID:      fmt.Sprintf("evt_%d", f.node.Generate()),
		EventType:       "payment_intent.succeeded",
		PayloadHash:     fmt.Sprintf("hash_%d", f.node.Generate()),
		ReplayRequested: true,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(&event)
	}
	created, err := f.events.InsertEvent(context.Background(), f.db, &event)
	require.NoError(t, err)
	require.True(t, created)
	return &event
}

func stripeSucceededPayload(externalID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"payment_intent.succeeded","created":1714900000,"data":{"object":{"id":"pi_1","amount":5000,"amount_received":5000,"currency":"usd"}}}`,
		externalID,
	))
}

func (f *replayFixture) attemptsFor(t *testing.T, eventID snowflake.ID) []processoreventdomain.ReplayAttempt {
	t.Helper()
	attempts, err := f.events.ListAttempts(context.Background(), f.db, eventID)
	require.NoError(t, err)
	return attempts
}

func (f *replayFixture) reload(t *testing.T, eventID snowflake.ID) *processoreventdomain.ProcessorEvent {
	t.Helper()
	event, err := f.events.FindByID(context.Background(), f.db, eventID)
	require.NoError(t, err)
	require.NotNil(t, event)
	return event
}

func TestReplaySingleSettlesInvoice(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	orderID := f.seedOrder(t, "pending")
	invoiceID := f.seedInvoice(t, orderID, 5000)
	event := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(stripeSucceededPayload(e.ExternalID))
		e.InvoiceID = &invoiceID
	})

	require.NoError(t, f.svc.ReplaySingle(ctx, event.ID, false))

	reloaded := f.reload(t, event.ID)
	assert.False(t, reloaded.ReplayRequested)
	assert.Equal(t, 1, reloaded.ReplayAttempts)
	assert.Empty(t, reloaded.LastReplayError)

	attempts := f.attemptsFor(t, event.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, processoreventdomain.AttemptStatusSucceeded, attempts[0].Status)
	assert.Equal(t, "manual", attempts[0].Metadata["trigger"])

	var invoice struct {
		Status             string
		AmountPaid         int64
		WebhookReplayToken string
	}
	require.NoError(t, f.db.Raw(
		`SELECT status, amount_paid, webhook_replay_token FROM invoices WHERE id = ?`, invoiceID,
	).Scan(&invoice).Error)
	assert.Equal(t, "paid", invoice.Status)
	assert.Equal(t, int64(5000), invoice.AmountPaid)
	assert.Equal(t, event.ExternalID, invoice.WebhookReplayToken)

	var orderStatus string
	require.NoError(t, f.db.Raw(`SELECT status FROM orders WHERE id = ?`, orderID).Scan(&orderStatus).Error)
	assert.Equal(t, "processing", orderStatus)

	var stageStatus string
	require.NoError(t, f.db.Raw(
		`SELECT stage_status FROM checkout_orchestrations WHERE order_id = ?`, orderID,
	).Scan(&stageStatus).Error)
	assert.Equal(t, "completed", stageStatus)
}

func TestReplaySingleMissingPayload(t *testing.T) {
	f := newReplayFixture(t)
	event := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(`not json`)
	})

	err := f.svc.ReplaySingle(context.Background(), event.ID, false)
	require.Error(t, err)

	reloaded := f.reload(t, event.ID)
	assert.True(t, reloaded.ReplayRequested, "failed attempts keep the event flagged")
	assert.Equal(t, 1, reloaded.ReplayAttempts)
	assert.Equal(t, "missing_payload", reloaded.LastReplayError)

	attempts := f.attemptsFor(t, event.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, processoreventdomain.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, "missing_payload", attempts[0].Error)
}

func TestReplaySingleUnsupportedProvider(t *testing.T) {
	f := newReplayFixture(t)
	event := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Provider = "paypal"
		e.Payload = datatypes.JSON(`{"id":"evt_1"}`)
	})

	err := f.svc.ReplaySingle(context.Background(), event.ID, false)
	require.Error(t, err)

	reloaded := f.reload(t, event.ID)
	assert.Equal(t, "unsupported_provider:paypal", reloaded.LastReplayError)
}

func TestReplaySingleMissingInvoiceCorrelation(t *testing.T) {
	f := newReplayFixture(t)
	event := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		// No linked invoice and no invoice_id in the payload metadata.
		e.Payload = datatypes.JSON(stripeSucceededPayload(e.ExternalID))
	})

	err := f.svc.ReplaySingle(context.Background(), event.ID, false)
	require.Error(t, err)
	assert.Equal(t, "missing_invoice", f.reload(t, event.ID).LastReplayError)
}

func TestReplaySingleInvoiceNotFound(t *testing.T) {
	f := newReplayFixture(t)
	missing := f.node.Generate()
	event := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(stripeSucceededPayload(e.ExternalID))
		e.InvoiceID = &missing
	})

	err := f.svc.ReplaySingle(context.Background(), event.ID, false)
	require.Error(t, err)
	assert.Equal(t, "invoice_not_found", f.reload(t, event.ID).LastReplayError)
}

func TestReplaySingleLimitGuardrail(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	orderID := f.seedOrder(t, "pending")
	invoiceID := f.seedInvoice(t, orderID, 5000)
	event := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(stripeSucceededPayload(e.ExternalID))
		e.InvoiceID = &invoiceID
		e.ReplayAttempts = 3
	})

	err := f.svc.ReplaySingle(ctx, event.ID, false)
	assert.ErrorIs(t, err, ErrReplayLimitExceeded)
	assert.Empty(t, f.attemptsFor(t, event.ID), "the refusal is not an attempt")
	assert.Equal(t, 3, f.reload(t, event.ID).ReplayAttempts)

	require.NoError(t, f.svc.ReplaySingle(ctx, event.ID, true))
	reloaded := f.reload(t, event.ID)
	assert.Equal(t, 4, reloaded.ReplayAttempts)
	assert.False(t, reloaded.ReplayRequested)

	attempts := f.attemptsFor(t, event.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, true, attempts[0].Metadata["forced"])
}

func TestReplaySingleUnknownEvent(t *testing.T) {
	f := newReplayFixture(t)
	err := f.svc.ReplaySingle(context.Background(), f.node.Generate(), false)
	assert.ErrorIs(t, err, processoreventdomain.ErrEventNotFound)
}

func TestProcessPendingAllFailuresPersistsNothing(t *testing.T) {
	f := newReplayFixture(t)

	first := f.seedEvent(t, nil)
	second := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(`broken`)
	})

	succeeded, err := f.svc.ProcessPending(context.Background(), 0, "")
	require.Error(t, err)
	assert.Zero(t, succeeded)

	for _, event := range []*processoreventdomain.ProcessorEvent{first, second} {
		reloaded := f.reload(t, event.ID)
		assert.Zero(t, reloaded.ReplayAttempts, "an all-failure batch leaves the ledger untouched")
		assert.True(t, reloaded.ReplayRequested)
		assert.Empty(t, f.attemptsFor(t, event.ID))
	}
}

func TestProcessPendingMixedBatchPersistsAll(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	orderID := f.seedOrder(t, "pending")
	invoiceID := f.seedInvoice(t, orderID, 5000)
	good := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(stripeSucceededPayload(e.ExternalID))
		e.InvoiceID = &invoiceID
	})
	bad := f.seedEvent(t, nil)

	succeeded, err := f.svc.ProcessPending(ctx, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)

	reloadedGood := f.reload(t, good.ID)
	assert.False(t, reloadedGood.ReplayRequested)
	assert.Equal(t, 1, reloadedGood.ReplayAttempts)

	reloadedBad := f.reload(t, bad.ID)
	assert.True(t, reloadedBad.ReplayRequested)
	assert.Equal(t, 1, reloadedBad.ReplayAttempts)
	assert.Equal(t, "missing_payload", reloadedBad.LastReplayError)

	require.Len(t, f.attemptsFor(t, good.ID), 1)
	require.Len(t, f.attemptsFor(t, bad.ID), 1)
	assert.Equal(t, "batch", f.attemptsFor(t, good.ID)[0].Metadata["trigger"])
}

func TestProcessPendingRetiresEventsAtLimit(t *testing.T) {
	f := newReplayFixture(t)

	exhausted := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.ReplayAttempts = 3
	})

	succeeded, err := f.svc.ProcessPending(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Zero(t, succeeded)

	got := f.reload(t, exhausted.ID)
	assert.False(t, got.ReplayRequested, "retired events stop occupying batch slots")
	assert.Equal(t, 3, got.ReplayAttempts, "a skip is not an attempt")

	attempts := f.attemptsFor(t, exhausted.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, processoreventdomain.AttemptStatusSkipped, attempts[0].Status)
	assert.Equal(t, "replay_limit_exceeded", attempts[0].Error)
}

func TestProcessPendingExhaustedEventsDoNotStarveNewerOnes(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	stale := f.fake.Now().Add(-time.Hour)
	exhausted := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.ReplayAttempts = 3
		e.ReceivedAt = stale
	})

	orderID := f.seedOrder(t, "pending")
	invoiceID := f.seedInvoice(t, orderID, 5000)
	fresh := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(stripeSucceededPayload(e.ExternalID))
		e.InvoiceID = &invoiceID
	})

	// Batch size one: the oldest slot goes to the exhausted event, which is
	// retired rather than re-selected on every run.
	succeeded, err := f.svc.ProcessPending(ctx, 1, "")
	require.NoError(t, err)
	assert.Zero(t, succeeded)
	assert.False(t, f.reload(t, exhausted.ID).ReplayRequested)

	succeeded, err = f.svc.ProcessPending(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.False(t, f.reload(t, fresh.ID).ReplayRequested)
}

func TestProcessPendingProviderScope(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()

	orderID := f.seedOrder(t, "pending")
	invoiceID := f.seedInvoice(t, orderID, 5000)
	stripeEvent := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Payload = datatypes.JSON(stripeSucceededPayload(e.ExternalID))
		e.InvoiceID = &invoiceID
	})
	other := f.seedEvent(t, func(e *processoreventdomain.ProcessorEvent) {
		e.Provider = "paypal"
	})

	succeeded, err := f.svc.ProcessPending(ctx, 0, "stripe")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.False(t, f.reload(t, stripeEvent.ID).ReplayRequested)
	assert.Zero(t, f.reload(t, other.ID).ReplayAttempts, "out-of-scope providers are untouched")
}
