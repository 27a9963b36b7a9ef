package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

// Service validates and applies order lifecycle transitions. Status is
// mutated only here; every change appends one OrderStateEvent in the same
// transaction.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("order.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Get loads one order.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Order, error) {
	order, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// Transition moves the order to target and appends a state_change event
// atomically. Illegal moves fail with ErrInvalidTransition and leave the
// order untouched.
func (s *Service) Transition(
	ctx context.Context,
	orderID snowflake.ID,
	target domain.OrderStatus,
	actor domain.Actor,
	notes string,
	metadata map[string]any,
) error {
	if !isKnownStatus(target) {
		return domain.ErrInvalidStatus
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.FindByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return domain.ErrOrderNotFound
		}
		if !domain.CanTransition(order.Status, target) {
			return domain.ErrInvalidTransition
		}

		now := s.clock.Now()
		if err := s.repo.UpdateStatus(ctx, tx, orderID, target, now); err != nil {
			return err
		}

		event := domain.OrderStateEvent{
			ID:         s.genID.Generate(),
			OrderID:    orderID,
			EventType:  domain.EventTypeStateChange,
			FromStatus: order.Status,
			ToStatus:   target,
			ActorType:  strings.TrimSpace(actor.Type),
			ActorID:    strings.TrimSpace(actor.ID),
			Notes:      notes,
			Metadata:   datatypes.JSONMap(metadata),
			OccurredAt: now,
		}
		return s.repo.InsertEvent(ctx, tx, &event)
	})
}

// RecordEvent appends a non-transitioning annotation event. Status is not
// touched; from and to both carry the current status.
func (s *Service) RecordEvent(
	ctx context.Context,
	orderID snowflake.ID,
	eventType string,
	actor domain.Actor,
	notes string,
	metadata map[string]any,
) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || eventType == domain.EventTypeStateChange {
		return domain.ErrInvalidStatus
	}

	order, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return domain.ErrOrderNotFound
	}

	event := domain.OrderStateEvent{
		ID:         s.genID.Generate(),
		OrderID:    orderID,
		EventType:  eventType,
		FromStatus: order.Status,
		ToStatus:   order.Status,
		ActorType:  strings.TrimSpace(actor.Type),
		ActorID:    strings.TrimSpace(actor.ID),
		Notes:      notes,
		Metadata:   datatypes.JSONMap(metadata),
		OccurredAt: s.clock.Now(),
	}
	return s.repo.InsertEvent(ctx, s.db, &event)
}

// History returns the order's audit trail oldest first.
func (s *Service) History(ctx context.Context, orderID snowflake.ID) ([]domain.OrderStateEvent, error) {
	return s.repo.ListEvents(ctx, s.db, orderID)
}

func isKnownStatus(status domain.OrderStatus) bool {
	for _, known := range domain.Statuses() {
		if known == status {
			return true
		}
	}
	return false
}
