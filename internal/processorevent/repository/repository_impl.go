package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/processorevent/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.ProcessorEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO processor_events (
			id, provider, external_id, event_type, payload, payload_hash,
			correlation_id, workspace_id, invoice_id, replay_requested,
			replay_attempts, last_replay_error, received_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		event.ID,
		event.Provider,
		event.ExternalID,
		event.EventType,
		event.Payload,
		event.PayloadHash,
		event.CorrelationID,
		event.WorkspaceID,
		event.InvoiceID,
		event.ReplayRequested,
		event.ReplayAttempts,
		event.LastReplayError,
		event.ReceivedAt,
		event.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalID string) (*domain.ProcessorEvent, error) {
	var item domain.ProcessorEvent
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM processor_events
		 WHERE provider = ? AND external_id = ?
		 LIMIT 1`,
		provider,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByPayloadHash(ctx context.Context, db *gorm.DB, provider, payloadHash string) (*domain.ProcessorEvent, error) {
	var item domain.ProcessorEvent
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM processor_events
		 WHERE provider = ? AND payload_hash = ?
		 LIMIT 1`,
		provider,
		payloadHash,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ProcessorEvent, error) {
	var item domain.ProcessorEvent
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM processor_events WHERE id = ? LIMIT 1`,
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

func (r *repo) ListReplayRequested(ctx context.Context, db *gorm.DB, limit int, provider string) ([]domain.ProcessorEvent, error) {
	query := `SELECT * FROM processor_events WHERE replay_requested = ?`
	args := []any{true}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY received_at ASC LIMIT ?`
	args = append(args, limit)

	var items []domain.ProcessorEvent
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetReplayRequested(ctx context.Context, db *gorm.DB, id snowflake.ID, requested bool, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processor_events
		 SET replay_requested = ?, updated_at = ?
		 WHERE id = ?`,
		requested,
		updatedAt,
		id,
	).Error
}

func (r *repo) ApplyReplayOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.ReplayOutcome, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processor_events
		 SET replay_attempts = ?,
		     last_replay_error = ?,
		     replay_requested = ?,
		     invoice_id = COALESCE(?, invoice_id),
		     updated_at = ?
		 WHERE id = ?`,
		outcome.Attempts,
		outcome.LastReplayError,
		outcome.ReplayRequested,
		outcome.InvoiceID,
		updatedAt,
		id,
	).Error
}

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.ReplayAttempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO replay_attempts (id, event_id, status, error, metadata, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.EventID,
		attempt.Status,
		attempt.Error,
		attempt.Metadata,
		attempt.AttemptedAt,
	).Error
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, eventID snowflake.ID) ([]domain.ReplayAttempt, error) {
	var items []domain.ReplayAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM replay_attempts
		 WHERE event_id = ?
		 ORDER BY attempted_at ASC`,
		eventID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
