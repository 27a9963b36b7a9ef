package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/checkout/domain"
	"github.com/smallbiznis/servana/internal/clock"
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

// Service drives the per-order checkout orchestration. It records stage
// updates reported by external systems; it validates stage and status
// vocabulary but never rejects a transition.
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
		log:   p.Log.Named("checkout.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// GetOrCreate returns the order's orchestration, lazily creating it in
// payment/not_started. Safe under concurrent first access: the loser of the
// insert race reads the winner's row.
func (s *Service) GetOrCreate(ctx context.Context, orderID snowflake.ID, userID *snowflake.ID) (*domain.CheckoutOrchestration, error) {
	existing, err := s.repo.FindByOrderID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	orchestration := domain.CheckoutOrchestration{
		ID:           s.genID.Generate(),
		OrderID:      orderID,
		UserID:       userID,
		CurrentStage: domain.StagePayment,
		StageStatus:  domain.StageStatusNotStarted,
		Metadata:     datatypes.JSONMap{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.repo.InsertOrchestration(ctx, s.db, &orchestration)
	if err != nil {
		return nil, err
	}
	if created {
		return &orchestration, nil
	}

	existing, err = s.repo.FindByOrderID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.ErrOrchestrationNotFound
	}
	return existing, nil
}

// Get returns the orchestration with its event history.
func (s *Service) Get(ctx context.Context, orderID snowflake.ID) (*domain.CheckoutOrchestration, []domain.CheckoutOrchestrationEvent, error) {
	orchestration, err := s.repo.FindByOrderID(ctx, s.db, orderID)
	if err != nil {
		return nil, nil, err
	}
	if orchestration == nil {
		return nil, nil, domain.ErrOrchestrationNotFound
	}
	events, err := s.repo.ListEvents(ctx, s.db, orchestration.ID)
	if err != nil {
		return nil, nil, err
	}
	return orchestration, events, nil
}

// ApplyUpdate records one stage observation. The update is always accepted:
// stage and status are overwritten, the metadata patch is shallow-merged
// with new keys winning, lifecycle timestamps are maintained, and one event
// row is appended, all in one transaction.
func (s *Service) ApplyUpdate(ctx context.Context, orderID snowflake.ID, update domain.StageUpdate) (*domain.CheckoutOrchestration, error) {
	if !domain.KnownStage(update.Stage) {
		return nil, domain.ErrInvalidStage
	}
	if !domain.KnownStageStatus(update.Status) {
		return nil, domain.ErrInvalidStageStatus
	}

	var result *domain.CheckoutOrchestration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orchestration, err := s.repo.FindByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if orchestration == nil {
			return domain.ErrOrchestrationNotFound
		}

		now := s.clock.Now()
		firstTransition := orchestration.StageStatus == domain.StageStatusNotStarted &&
			update.Status != domain.StageStatusNotStarted

		orchestration.CurrentStage = update.Stage
		orchestration.StageStatus = update.Status
		orchestration.LastTransitionAt = &now
		orchestration.NextActionAt = update.NextActionAt
		orchestration.UpdatedAt = now

		if firstTransition && orchestration.StartedAt == nil {
			orchestration.StartedAt = &now
		}
		if update.Status == domain.StageStatusCompleted {
			orchestration.CompletedAt = &now
		}
		if update.Status == domain.StageStatusFailed {
			orchestration.FailedAt = &now
		}

		if len(update.MetadataPatch) > 0 {
			if orchestration.Metadata == nil {
				orchestration.Metadata = datatypes.JSONMap{}
			}
			for key, value := range update.MetadataPatch {
				orchestration.Metadata[key] = value
			}
		}

		if err := s.repo.UpdateOrchestration(ctx, tx, orchestration); err != nil {
			return err
		}

		event := domain.CheckoutOrchestrationEvent{
			ID:              s.genID.Generate(),
			OrchestrationID: orchestration.ID,
			OrderID:         orderID,
			Stage:           update.Stage,
			Status:          update.Status,
			Note:            strings.TrimSpace(update.Note),
			Payload:         datatypes.JSON(update.Payload),
			OccurredAt:      now,
		}
		if err := s.repo.InsertEvent(ctx, tx, &event); err != nil {
			return err
		}

		result = orchestration
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
