package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusActive     OrderStatus = "active"
	OrderStatusOnHold     OrderStatus = "on_hold"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCanceled   OrderStatus = "canceled"
)

// allowedTransitions is the directed transition table for the order
// lifecycle. No self-loops; canceled is terminal; completed can reopen to
// active for late adjustments.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusActive, OrderStatusCompleted, OrderStatusCanceled},
	OrderStatusProcessing: {OrderStatusActive, OrderStatusCompleted, OrderStatusOnHold, OrderStatusCanceled},
	OrderStatusActive:     {OrderStatusCompleted, OrderStatusOnHold, OrderStatusCanceled},
	OrderStatusOnHold:     {OrderStatusProcessing, OrderStatusActive, OrderStatusCanceled},
	OrderStatusCompleted:  {OrderStatusActive},
	OrderStatusCanceled:   {},
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Statuses returns every known order status.
func Statuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusActive,
		OrderStatusOnHold,
		OrderStatusCompleted,
		OrderStatusCanceled,
	}
}

type Order struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	CustomerID  snowflake.ID      `json:"customer_id" gorm:"not null;index"`
	WorkspaceID *snowflake.ID     `json:"workspace_id"`
	Status      OrderStatus       `json:"status" gorm:"type:text;not null;index"`
	Source      string            `json:"source" gorm:"type:text;not null"`
	Currency    string            `json:"currency" gorm:"type:text;not null"`
	TotalAmount int64             `json:"total_amount" gorm:"not null"`
	Metadata    datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time         `json:"updated_at" gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

const (
	EventTypeStateChange     = "state_change"
	EventTypeNote            = "note"
	EventTypeRefillRequested = "refill_requested"
	EventTypeRefillCompleted = "refill_completed"
	EventTypeRefundRequested = "refund_requested"
	EventTypeRefundCompleted = "refund_completed"
)

// OrderStateEvent is the append-only audit trail of the order lifecycle.
type OrderStateEvent struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrderID    snowflake.ID      `json:"order_id" gorm:"not null;index"`
	EventType  string            `json:"event_type" gorm:"type:text;not null"`
	FromStatus OrderStatus       `json:"from_status" gorm:"type:text;not null"`
	ToStatus   OrderStatus       `json:"to_status" gorm:"type:text;not null"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    string            `json:"actor_id" gorm:"type:text;not null"`
	Notes      string            `json:"notes" gorm:"type:text;not null"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	OccurredAt time.Time         `json:"occurred_at" gorm:"not null"`
}

func (OrderStateEvent) TableName() string { return "order_state_events" }

var (
	ErrOrderNotFound     = errors.New("order_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrInvalidStatus     = errors.New("invalid_status")
)

// Actor identifies who drove a lifecycle event.
type Actor struct {
	Type string
	ID   string
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status OrderStatus, updatedAt time.Time) error
	InsertEvent(ctx context.Context, db *gorm.DB, event *OrderStateEvent) error
	ListEvents(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]OrderStateEvent, error)
}
