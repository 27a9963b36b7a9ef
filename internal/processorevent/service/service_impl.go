package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/processorevent/domain"
	"github.com/smallbiznis/servana/pkg/db"
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

// Service is the idempotency ledger. It makes webhook ingestion safe to
// repeat: the first sighting of a logical event wins the insert race, every
// later delivery observes created=false.
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
		log:   p.Log.Named("processorevent.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// RecordEvent registers one delivery and reports whether this call created
// the ledger row. Callers apply domain effects only when created is true.
func (s *Service) RecordEvent(ctx context.Context, input domain.RecordInput) (*domain.ProcessorEvent, bool, error) {
	input.Provider = strings.ToLower(strings.TrimSpace(input.Provider))
	if input.Provider == "" {
		return nil, false, domain.ErrInvalidProvider
	}
	input.ExternalID = strings.TrimSpace(input.ExternalID)
	input.PayloadHash = strings.TrimSpace(input.PayloadHash)
	if input.ExternalID == "" || input.PayloadHash == "" {
		return nil, false, domain.ErrInvalidEvent
	}
	if len(input.Payload) > 0 && !json.Valid(input.Payload) {
		return nil, false, domain.ErrInvalidEvent
	}

	now := s.clock.Now()
	event := domain.ProcessorEvent{
		ID:            s.genID.Generate(),
		Provider:      input.Provider,
		ExternalID:    input.ExternalID,
		EventType:     strings.TrimSpace(input.EventType),
		Payload:       datatypes.JSON(input.Payload),
		PayloadHash:   input.PayloadHash,
		CorrelationID: strings.TrimSpace(input.CorrelationID),
		WorkspaceID:   input.WorkspaceID,
		InvoiceID:     input.InvoiceID,
		ReceivedAt:    now,
		UpdatedAt:     now,
	}

	created, err := s.repo.InsertEvent(ctx, s.db, &event)
	if err != nil {
		// Dialects that error on conflict instead of swallowing it still
		// resolve to the duplicate-delivery path.
		if !db.IsDuplicateKeyErr(err) {
			return nil, false, err
		}
		created = false
	}
	if created {
		return &event, true, nil
	}

	// Either uniqueness constraint may have fired: the same envelope id, or
	// the same payload under a different envelope.
	existing, err := s.repo.FindByExternalID(ctx, s.db, input.Provider, input.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		existing, err = s.repo.FindByPayloadHash(ctx, s.db, input.Provider, input.PayloadHash)
		if err != nil {
			return nil, false, err
		}
	}
	if existing == nil {
		return nil, false, domain.ErrInvalidEvent
	}
	return existing, false, nil
}

// Get loads one ledger row by id.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.ProcessorEvent, error) {
	event, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

// Attempts returns the replay audit trail for one event, oldest first.
func (s *Service) Attempts(ctx context.Context, eventID snowflake.ID) ([]domain.ReplayAttempt, error) {
	return s.repo.ListAttempts(ctx, s.db, eventID)
}

// RequestReplay flags the ledger row so the replay worker picks it up.
func (s *Service) RequestReplay(ctx context.Context, id snowflake.ID) error {
	event, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if event == nil {
		return domain.ErrEventNotFound
	}
	return s.repo.SetReplayRequested(ctx, s.db, id, true, s.clock.Now())
}
