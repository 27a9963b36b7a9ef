package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/checkout/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByOrderID(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.CheckoutOrchestration, error) {
	var item domain.CheckoutOrchestration
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, user_id, current_stage, stage_status, metadata,
			started_at, completed_at, failed_at, last_transition_at,
			next_action_at, locked_until, created_at, updated_at
		 FROM checkout_orchestrations
		 WHERE order_id = ?
		 LIMIT 1`,
		orderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertOrchestration(ctx context.Context, db *gorm.DB, orchestration *domain.CheckoutOrchestration) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO checkout_orchestrations (
			id, order_id, user_id, current_stage, stage_status, metadata,
			started_at, completed_at, failed_at, last_transition_at,
			next_action_at, locked_until, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`,
		orchestration.ID,
		orchestration.OrderID,
		orchestration.UserID,
		orchestration.CurrentStage,
		orchestration.StageStatus,
		orchestration.Metadata,
		orchestration.StartedAt,
		orchestration.CompletedAt,
		orchestration.FailedAt,
		orchestration.LastTransitionAt,
		orchestration.NextActionAt,
		orchestration.LockedUntil,
		orchestration.CreatedAt,
		orchestration.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateOrchestration(ctx context.Context, db *gorm.DB, orchestration *domain.CheckoutOrchestration) error {
	return db.WithContext(ctx).Exec(
		`UPDATE checkout_orchestrations
		 SET current_stage = ?,
		     stage_status = ?,
		     metadata = ?,
		     started_at = ?,
		     completed_at = ?,
		     failed_at = ?,
		     last_transition_at = ?,
		     next_action_at = ?,
		     locked_until = ?,
		     updated_at = ?
		 WHERE id = ?`,
		orchestration.CurrentStage,
		orchestration.StageStatus,
		orchestration.Metadata,
		orchestration.StartedAt,
		orchestration.CompletedAt,
		orchestration.FailedAt,
		orchestration.LastTransitionAt,
		orchestration.NextActionAt,
		orchestration.LockedUntil,
		orchestration.UpdatedAt,
		orchestration.ID,
	).Error
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.CheckoutOrchestrationEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO checkout_orchestration_events (
			id, orchestration_id, order_id, stage, status, note, payload, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.OrchestrationID,
		event.OrderID,
		event.Stage,
		event.Status,
		event.Note,
		event.Payload,
		event.OccurredAt,
	).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, orchestrationID snowflake.ID) ([]domain.CheckoutOrchestrationEvent, error) {
	var items []domain.CheckoutOrchestrationEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, orchestration_id, order_id, stage, status, note, payload, occurred_at
		 FROM checkout_orchestration_events
		 WHERE orchestration_id = ?
		 ORDER BY occurred_at ASC, id ASC`,
		orchestrationID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
