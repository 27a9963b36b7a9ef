package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/order/domain"
	"github.com/smallbiznis/servana/internal/order/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *snowflake.Node, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE orders (
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
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE order_state_events (
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
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return svc, db, node, fake
}

func seedOrder(t *testing.T, db *gorm.DB, node *snowflake.Node, status domain.OrderStatus) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, db.Exec(
		`INSERT INTO orders (id, customer_id, status, source, currency, total_amount, created_at, updated_at)
		 VALUES (?, ?, ?, 'web', 'USD', 12500, ?, ?)`,
		id, node.Generate(), status, now, now,
	).Error)
	return id
}

func TestTransitionTable(t *testing.T) {
	allowed := map[domain.OrderStatus][]domain.OrderStatus{
		domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusActive, domain.OrderStatusCompleted, domain.OrderStatusCanceled},
		domain.OrderStatusProcessing: {domain.OrderStatusActive, domain.OrderStatusCompleted, domain.OrderStatusOnHold, domain.OrderStatusCanceled},
		domain.OrderStatusActive:     {domain.OrderStatusCompleted, domain.OrderStatusOnHold, domain.OrderStatusCanceled},
		domain.OrderStatusOnHold:     {domain.OrderStatusProcessing, domain.OrderStatusActive, domain.OrderStatusCanceled},
		domain.OrderStatusCompleted:  {domain.OrderStatusActive},
		domain.OrderStatusCanceled:   {},
	}

	svc, db, node, _ := newTestService(t)
	ctx := context.Background()
	actor := domain.Actor{Type: "user", ID: "tester"}

	for from, targets := range allowed {
		allowedSet := make(map[domain.OrderStatus]bool, len(targets))
		for _, target := range targets {
			allowedSet[target] = true
		}
		for _, target := range domain.Statuses() {
			t.Run(fmt.Sprintf("%s_to_%s", from, target), func(t *testing.T) {
				orderID := seedOrder(t, db, node, from)
				err := svc.Transition(ctx, orderID, target, actor, "", nil)

				if allowedSet[target] {
					require.NoError(t, err)
					order, getErr := svc.Get(ctx, orderID)
					require.NoError(t, getErr)
					assert.Equal(t, target, order.Status)

					events, histErr := svc.History(ctx, orderID)
					require.NoError(t, histErr)
					require.Len(t, events, 1)
					assert.Equal(t, domain.EventTypeStateChange, events[0].EventType)
					assert.Equal(t, from, events[0].FromStatus)
					assert.Equal(t, target, events[0].ToStatus)
					return
				}

				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
				order, getErr := svc.Get(ctx, orderID)
				require.NoError(t, getErr)
				assert.Equal(t, from, order.Status, "failed transition must not move the order")

				events, histErr := svc.History(ctx, orderID)
				require.NoError(t, histErr)
				assert.Empty(t, events, "failed transition must not leave an event")
			})
		}
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	svc, _, node, _ := newTestService(t)
	err := svc.Transition(context.Background(), node.Generate(), domain.OrderStatusProcessing, domain.Actor{Type: "user"}, "", nil)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestTransitionUnknownStatus(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	orderID := seedOrder(t, db, node, domain.OrderStatusPending)
	err := svc.Transition(context.Background(), orderID, domain.OrderStatus("shipped"), domain.Actor{Type: "user"}, "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestRecordEventAnnotation(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	ctx := context.Background()
	orderID := seedOrder(t, db, node, domain.OrderStatusActive)

	err := svc.RecordEvent(ctx, orderID, domain.EventTypeRefillRequested, domain.Actor{Type: "user", ID: "ops"}, "customer asked for refill", map[string]any{"sku": "coffee-1kg"})
	require.NoError(t, err)

	order, err := svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, order.Status, "annotations never move status")

	events, err := svc.History(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeRefillRequested, events[0].EventType)
	assert.Equal(t, domain.OrderStatusActive, events[0].FromStatus)
	assert.Equal(t, domain.OrderStatusActive, events[0].ToStatus)
}

func TestRecordEventRejectsStateChange(t *testing.T) {
	svc, db, node, _ := newTestService(t)
	orderID := seedOrder(t, db, node, domain.OrderStatusActive)

	err := svc.RecordEvent(context.Background(), orderID, domain.EventTypeStateChange, domain.Actor{Type: "user"}, "", nil)
	assert.Error(t, err)

	err = svc.RecordEvent(context.Background(), orderID, "  ", domain.Actor{Type: "user"}, "", nil)
	assert.Error(t, err)
}

func TestHistoryOrdering(t *testing.T) {
	svc, db, node, fake := newTestService(t)
	ctx := context.Background()
	orderID := seedOrder(t, db, node, domain.OrderStatusPending)
	actor := domain.Actor{Type: "system", ID: "checkout"}

	require.NoError(t, svc.Transition(ctx, orderID, domain.OrderStatusProcessing, actor, "payment settled", nil))
	fake.Advance(time.Minute)
	require.NoError(t, svc.Transition(ctx, orderID, domain.OrderStatusActive, actor, "fulfillment started", nil))
	fake.Advance(time.Minute)
	require.NoError(t, svc.RecordEvent(ctx, orderID, domain.EventTypeNote, actor, "called the customer", nil))

	events, err := svc.History(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.OrderStatusProcessing, events[0].ToStatus)
	assert.Equal(t, domain.OrderStatusActive, events[1].ToStatus)
	assert.Equal(t, domain.EventTypeNote, events[2].EventType)
	assert.True(t, events[0].OccurredAt.Before(events[2].OccurredAt))
}
