package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/servana/internal/checkout/domain"
	"github.com/smallbiznis/servana/internal/checkout/repository"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newCheckoutService(t *testing.T) (*Service, *snowflake.Node, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TABLE checkout_orchestrations (
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
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE checkout_orchestration_events (
		id BIGINT PRIMARY KEY,
		orchestration_id BIGINT NOT NULL,
		order_id BIGINT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		payload TEXT,
		occurred_at TIMESTAMP NOT NULL
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 5, 3, 8, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return svc, node, fake
}

func TestGetOrCreateStartsAtPaymentNotStarted(t *testing.T) {
	svc, node, _ := newCheckoutService(t)
	ctx := context.Background()
	orderID := node.Generate()

	orchestration, err := svc.GetOrCreate(ctx, orderID, nil)
	require.NoError(t, err)
	assert.Equal(t, orderID, orchestration.OrderID)
	assert.Equal(t, domain.StagePayment, orchestration.CurrentStage)
	assert.Equal(t, domain.StageStatusNotStarted, orchestration.StageStatus)
	assert.Nil(t, orchestration.StartedAt)

	again, err := svc.GetOrCreate(ctx, orderID, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestration.ID, again.ID, "second call returns the existing row")
}

func TestApplyUpdateLifecycleTimestamps(t *testing.T) {
	svc, node, fake := newCheckoutService(t)
	ctx := context.Background()
	orderID := node.Generate()

	_, err := svc.GetOrCreate(ctx, orderID, nil)
	require.NoError(t, err)

	fake.Advance(time.Minute)
	started := fake.Now()
	orchestration, err := svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{
		Stage:  domain.StagePayment,
		Status: domain.StageStatusInProgress,
		Note:   "payment intent created",
	})
	require.NoError(t, err)
	require.NotNil(t, orchestration.StartedAt)
	assert.Equal(t, started, orchestration.StartedAt.UTC())
	require.NotNil(t, orchestration.LastTransitionAt)
	assert.Equal(t, started, orchestration.LastTransitionAt.UTC())
	assert.Nil(t, orchestration.CompletedAt)

	fake.Advance(time.Minute)
	orchestration, err = svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{
		Stage:  domain.StageCompleted,
		Status: domain.StageStatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, started, orchestration.StartedAt.UTC(), "started_at is stamped once")
	require.NotNil(t, orchestration.CompletedAt)
	assert.Equal(t, fake.Now(), orchestration.CompletedAt.UTC())
	assert.Equal(t, fake.Now(), orchestration.LastTransitionAt.UTC())
}

func TestApplyUpdateFailedStamp(t *testing.T) {
	svc, node, fake := newCheckoutService(t)
	ctx := context.Background()
	orderID := node.Generate()

	_, err := svc.GetOrCreate(ctx, orderID, nil)
	require.NoError(t, err)

	orchestration, err := svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{
		Stage:  domain.StagePayment,
		Status: domain.StageStatusFailed,
		Note:   "card declined",
	})
	require.NoError(t, err)
	require.NotNil(t, orchestration.FailedAt)
	assert.Equal(t, fake.Now(), orchestration.FailedAt.UTC())
	require.NotNil(t, orchestration.StartedAt, "failing straight away still starts the pipeline")
}

func TestApplyUpdateMetadataShallowMerge(t *testing.T) {
	svc, node, _ := newCheckoutService(t)
	ctx := context.Background()
	orderID := node.Generate()

	_, err := svc.GetOrCreate(ctx, orderID, nil)
	require.NoError(t, err)

	_, err = svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{
		Stage:         domain.StagePayment,
		Status:        domain.StageStatusInProgress,
		MetadataPatch: map[string]any{"processor": "stripe", "attempt": "1"},
	})
	require.NoError(t, err)

	orchestration, err := svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{
		Stage:         domain.StageVerify,
		Status:        domain.StageStatusWaiting,
		MetadataPatch: map[string]any{"attempt": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "stripe", orchestration.Metadata["processor"], "untouched keys survive")
	assert.Equal(t, "2", orchestration.Metadata["attempt"], "patched keys win")
}

func TestApplyUpdateAppendsEvents(t *testing.T) {
	svc, node, _ := newCheckoutService(t)
	ctx := context.Background()
	orderID := node.Generate()

	_, err := svc.GetOrCreate(ctx, orderID, nil)
	require.NoError(t, err)

	_, err = svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{
		Stage:   domain.StagePayment,
		Status:  domain.StageStatusInProgress,
		Note:    "  intent created  ",
		Payload: []byte(`{"intent":"pi_1"}`),
	})
	require.NoError(t, err)
	_, err = svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{
		Stage:  domain.StagePayment,
		Status: domain.StageStatusCompleted,
	})
	require.NoError(t, err)

	orchestration, events, err := svc.Get(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "intent created", events[0].Note, "notes are trimmed")
	assert.Equal(t, domain.StageStatusInProgress, events[0].Status)
	assert.Equal(t, domain.StageStatusCompleted, events[1].Status)
	assert.Equal(t, orchestration.ID, events[0].OrchestrationID)
}

func TestApplyUpdateValidation(t *testing.T) {
	svc, node, _ := newCheckoutService(t)
	ctx := context.Background()
	orderID := node.Generate()

	_, err := svc.GetOrCreate(ctx, orderID, nil)
	require.NoError(t, err)

	_, err = svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{Stage: "shipping", Status: domain.StageStatusInProgress})
	assert.ErrorIs(t, err, domain.ErrInvalidStage)

	_, err = svc.ApplyUpdate(ctx, orderID, domain.StageUpdate{Stage: domain.StagePayment, Status: "pending"})
	assert.ErrorIs(t, err, domain.ErrInvalidStageStatus)

	_, err = svc.ApplyUpdate(ctx, node.Generate(), domain.StageUpdate{Stage: domain.StagePayment, Status: domain.StageStatusInProgress})
	assert.ErrorIs(t, err, domain.ErrOrchestrationNotFound)
}
