package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProcessorEvent is the durable ledger row for one inbound provider event.
// Rows are created on first sighting and never deleted; duplicate deliveries
// of the same logical event hit one of the two uniqueness constraints.
type ProcessorEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_processor_events_provider_external_id,priority:1;uniqueIndex:ux_processor_events_provider_payload_hash,priority:1"`
	ExternalID      string         `json:"external_id" gorm:"type:text;not null;uniqueIndex:ux_processor_events_provider_external_id,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	PayloadHash     string         `json:"payload_hash" gorm:"type:text;not null;uniqueIndex:ux_processor_events_provider_payload_hash,priority:2"`
	CorrelationID   string         `json:"correlation_id" gorm:"type:text;not null"`
	WorkspaceID     *snowflake.ID  `json:"workspace_id"`
	InvoiceID       *snowflake.ID  `json:"invoice_id"`
	ReplayRequested bool           `json:"replay_requested" gorm:"not null;index"`
	ReplayAttempts  int            `json:"replay_attempts" gorm:"not null"`
	LastReplayError string         `json:"last_replay_error" gorm:"type:text;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (ProcessorEvent) TableName() string { return "processor_events" }

// ReplayAttempt is an append-only audit row written on every replay try.
type ReplayAttempt struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	EventID     snowflake.ID      `json:"event_id" gorm:"not null;index"`
	Status      string            `json:"status" gorm:"type:text;not null"`
	Error       string            `json:"error" gorm:"type:text;not null"`
	Metadata    datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	AttemptedAt time.Time         `json:"attempted_at" gorm:"not null"`
}

func (ReplayAttempt) TableName() string { return "replay_attempts" }

const (
	AttemptStatusSucceeded = "succeeded"
	AttemptStatusFailed    = "failed"
	AttemptStatusSkipped   = "skipped"
)

var (
	ErrInvalidProvider = errors.New("invalid_provider")
	ErrInvalidEvent    = errors.New("invalid_event")
	ErrEventNotFound   = errors.New("event_not_found")
)

// RecordInput carries everything the ledger needs to register one delivery.
type RecordInput struct {
	Provider      string
	ExternalID    string
	EventType     string
	PayloadHash   string
	Payload       []byte
	CorrelationID string
	WorkspaceID   *snowflake.ID
	InvoiceID     *snowflake.ID
}

// ReplayOutcome is applied to the ledger row after every replay attempt.
type ReplayOutcome struct {
	Attempts        int
	LastReplayError string
	ReplayRequested bool
	InvoiceID       *snowflake.ID
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *ProcessorEvent) (bool, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalID string) (*ProcessorEvent, error)
	FindByPayloadHash(ctx context.Context, db *gorm.DB, provider, payloadHash string) (*ProcessorEvent, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ProcessorEvent, error)
	ListReplayRequested(ctx context.Context, db *gorm.DB, limit int, provider string) ([]ProcessorEvent, error)
	SetReplayRequested(ctx context.Context, db *gorm.DB, id snowflake.ID, requested bool, updatedAt time.Time) error
	ApplyReplayOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome ReplayOutcome, updatedAt time.Time) error
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *ReplayAttempt) error
	ListAttempts(ctx context.Context, db *gorm.DB, eventID snowflake.ID) ([]ReplayAttempt, error)
}
