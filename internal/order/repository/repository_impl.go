package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, customer_id, workspace_id, status, source, currency,
			total_amount, metadata, created_at, updated_at
		 FROM orders
		 WHERE id = ?
		 LIMIT 1`,
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

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (
			id, customer_id, workspace_id, status, source, currency,
			total_amount, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.CustomerID,
		order.WorkspaceID,
		order.Status,
		order.Source,
		order.Currency,
		order.TotalAmount,
		order.Metadata,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.OrderStatus, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		updatedAt,
		id,
	).Error
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.OrderStateEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO order_state_events (
			id, order_id, event_type, from_status, to_status,
			actor_type, actor_id, notes, metadata, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.OrderID,
		event.EventType,
		event.FromStatus,
		event.ToStatus,
		event.ActorType,
		event.ActorID,
		event.Notes,
		event.Metadata,
		event.OccurredAt,
	).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.OrderStateEvent, error) {
	var items []domain.OrderStateEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, event_type, from_status, to_status,
			actor_type, actor_id, notes, metadata, occurred_at
		 FROM order_state_events
		 WHERE order_id = ?
		 ORDER BY occurred_at ASC, id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
