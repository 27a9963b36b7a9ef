package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Stage string

const (
	StagePayment     Stage = "payment"
	StageVerify      Stage = "verification"
	StageLoyaltyHold Stage = "loyalty_hold"
	StageFulfillment Stage = "fulfillment"
	StageCompleted   Stage = "completed"
)

type StageStatus string

const (
	StageStatusNotStarted StageStatus = "not_started"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusWaiting    StageStatus = "waiting"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
)

// KnownStage reports whether the stage value is one the pipeline defines.
func KnownStage(stage Stage) bool {
	switch stage {
	case StagePayment, StageVerify, StageLoyaltyHold, StageFulfillment, StageCompleted:
		return true
	}
	return false
}

// KnownStageStatus reports whether the status value is defined.
func KnownStageStatus(status StageStatus) bool {
	switch status {
	case StageStatusNotStarted, StageStatusInProgress, StageStatusWaiting, StageStatusCompleted, StageStatusFailed:
		return true
	}
	return false
}

// CheckoutOrchestration is the per-order projection of a multi-stage
// checkout pipeline. It records what external systems report rather than
// enforcing a transition table; enforcement lives in each stage's service.
type CheckoutOrchestration struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrderID          snowflake.ID      `json:"order_id" gorm:"not null;uniqueIndex"`
	UserID           *snowflake.ID     `json:"user_id"`
	CurrentStage     Stage             `json:"current_stage" gorm:"type:text;not null"`
	StageStatus      StageStatus       `json:"stage_status" gorm:"type:text;not null"`
	Metadata         datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	StartedAt        *time.Time        `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at"`
	FailedAt         *time.Time        `json:"failed_at"`
	LastTransitionAt *time.Time        `json:"last_transition_at"`
	NextActionAt     *time.Time        `json:"next_action_at"`
	LockedUntil      *time.Time        `json:"locked_until"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"not null"`
}

func (CheckoutOrchestration) TableName() string { return "checkout_orchestrations" }

// CheckoutOrchestrationEvent is the append-only record of every stage
// update applied to an orchestration.
type CheckoutOrchestrationEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrchestrationID snowflake.ID   `json:"orchestration_id" gorm:"not null;index"`
	OrderID         snowflake.ID   `json:"order_id" gorm:"not null;index"`
	Stage           Stage          `json:"stage" gorm:"type:text;not null"`
	Status          StageStatus    `json:"status" gorm:"type:text;not null"`
	Note            string         `json:"note" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	OccurredAt      time.Time      `json:"occurred_at" gorm:"not null"`
}

func (CheckoutOrchestrationEvent) TableName() string { return "checkout_orchestration_events" }

var (
	ErrOrchestrationNotFound = errors.New("orchestration_not_found")
	ErrInvalidStage          = errors.New("invalid_stage")
	ErrInvalidStageStatus    = errors.New("invalid_stage_status")
)

// StageUpdate is one recorded observation from an external stage system.
type StageUpdate struct {
	Stage         Stage
	Status        StageStatus
	Note          string
	Payload       []byte
	NextActionAt  *time.Time
	MetadataPatch map[string]any
}

type Repository interface {
	FindByOrderID(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*CheckoutOrchestration, error)
	InsertOrchestration(ctx context.Context, db *gorm.DB, orchestration *CheckoutOrchestration) (bool, error)
	UpdateOrchestration(ctx context.Context, db *gorm.DB, orchestration *CheckoutOrchestration) error
	InsertEvent(ctx context.Context, db *gorm.DB, event *CheckoutOrchestrationEvent) error
	ListEvents(ctx context.Context, db *gorm.DB, orchestrationID snowflake.ID) ([]CheckoutOrchestrationEvent, error)
}
