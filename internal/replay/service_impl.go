package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/config"
	invoicedomain "github.com/smallbiznis/servana/internal/invoice/domain"
	"github.com/smallbiznis/servana/internal/observability/metrics"
	paymentservice "github.com/smallbiznis/servana/internal/payment/service"
	processoreventdomain "github.com/smallbiznis/servana/internal/processorevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrReplayLimitExceeded guards manual replays once an event has burned
// through its attempt budget. Force bypasses it without touching the counter.
var ErrReplayLimitExceeded = errors.New("replay_limit_exceeded")

const (
	errMissingPayload = "missing_payload"

	triggerBatch  = "batch"
	triggerManual = "manual"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	CfgHold    *config.ReconciliationConfigHolder
	Events     processoreventdomain.Repository
	PaymentSvc *paymentservice.Service
}

// Service re-drives ledgered events whose domain effect never landed. Every
// try is audited as a ReplayAttempt and bumps the event's attempt counter.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfgHold    *config.ReconciliationConfigHolder
	events     processoreventdomain.Repository
	paymentSvc *paymentservice.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("replay.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfgHold:    p.CfgHold,
		events:     p.Events,
		paymentSvc: p.PaymentSvc,
	}
}

type attemptResult struct {
	eventID   snowflake.ID
	attempts  int
	status    string
	errMsg    string
	invoiceID *snowflake.ID
	metadata  datatypes.JSONMap
	err       error
}

// ProcessPending replays up to limit flagged events, oldest first, optionally
// scoped to one provider. Events at their attempt bound are unflagged with a
// skipped attempt so they stop occupying batch slots; a forced manual replay
// remains the only way to re-drive them. Attempt bookkeeping is persisted
// only when the batch produced at least one success; a batch where every
// event fails is reported as an error and leaves the ledger untouched so the
// next run sees the same state.
func (s *Service) ProcessPending(ctx context.Context, limit int, provider string) (int, error) {
	cfg := s.cfgHold.Get()
	if limit <= 0 {
		limit = cfg.ReplayBatchSize
	}

	events, err := s.events.ListReplayRequested(ctx, s.db, limit, provider)
	if err != nil {
		return 0, err
	}

	var (
		results   []attemptResult
		succeeded int
		errs      []error
	)
	for i := range events {
		event := &events[i]
		if event.ReplayAttempts >= cfg.MaxReplayAttempts {
			if err := s.recordSkip(ctx, event); err != nil {
				errs = append(errs, fmt.Errorf("event %s: %w", event.ID, err))
			}
			continue
		}
		res := s.attempt(ctx, event, triggerBatch, false)
		results = append(results, res)
		if res.err == nil {
			succeeded++
		} else {
			errs = append(errs, fmt.Errorf("event %s: %w", event.ID, res.err))
		}
	}
	if len(results) == 0 {
		return 0, errors.Join(errs...)
	}
	if succeeded == 0 {
		return 0, errors.Join(errs...)
	}

	if err := s.persist(ctx, results); err != nil {
		return 0, err
	}
	if len(errs) > 0 {
		s.log.Warn("replay batch finished with failures",
			zap.Int("succeeded", succeeded),
			zap.Int("failed", len(errs)),
			zap.Error(errors.Join(errs...)),
		)
	}
	return succeeded, nil
}

// ReplaySingle re-drives one event on demand. Above the attempt bound it
// refuses with ErrReplayLimitExceeded unless force is set; the refusal is
// not an attempt and does not touch the counter.
func (s *Service) ReplaySingle(ctx context.Context, eventID snowflake.ID, force bool) error {
	event, err := s.events.FindByID(ctx, s.db, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return processoreventdomain.ErrEventNotFound
	}

	cfg := s.cfgHold.Get()
	if event.ReplayAttempts >= cfg.MaxReplayAttempts && !force {
		return ErrReplayLimitExceeded
	}

	res := s.attempt(ctx, event, triggerManual, force)
	if err := s.persist(ctx, []attemptResult{res}); err != nil {
		return err
	}
	return res.err
}

func (s *Service) attempt(
	ctx context.Context,
	event *processoreventdomain.ProcessorEvent,
	trigger string,
	forced bool,
) attemptResult {
	res := attemptResult{
		eventID:  event.ID,
		attempts: event.ReplayAttempts + 1,
		metadata: datatypes.JSONMap{
			"provider": event.Provider,
			"trigger":  trigger,
			"forced":   forced,
		},
	}

	switch {
	case len(event.Payload) == 0 || !json.Valid([]byte(event.Payload)):
		res.err = errors.New(errMissingPayload)
	default:
		res.invoiceID, res.err = s.paymentSvc.ApplyStored(ctx, event)
	}

	if res.err != nil {
		res.status = processoreventdomain.AttemptStatusFailed
		res.errMsg = recordedError(res.err)
		metrics.Reconciliation().IncReplayAttempt(metrics.ReplayStatusFailed)
		return res
	}
	res.status = processoreventdomain.AttemptStatusSucceeded
	metrics.Reconciliation().IncReplayAttempt(metrics.ReplayStatusSucceeded)
	return res
}

// recordSkip retires an event that burned through its attempt budget: the
// replay flag is cleared so batches stop re-selecting it and a skipped
// attempt documents the decision. The counter is untouched, so a forced
// manual replay still sees the real history.
func (s *Service) recordSkip(ctx context.Context, event *processoreventdomain.ProcessorEvent) error {
	now := s.clock.Now()
	s.log.Warn("unflagging event with exhausted replay budget",
		zap.String("event_id", event.ID.String()),
		zap.Int("attempts", event.ReplayAttempts),
	)
	metrics.Reconciliation().IncReplayAttempt(metrics.ReplayStatusSkipped)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempt := processoreventdomain.ReplayAttempt{
			ID:      s.genID.Generate(),
			EventID: event.ID,
			Status:  processoreventdomain.AttemptStatusSkipped,
			Error:   ErrReplayLimitExceeded.Error(),
			Metadata: datatypes.JSONMap{
				"provider": event.Provider,
				"trigger":  triggerBatch,
			},
			AttemptedAt: now,
		}
		if err := s.events.InsertAttempt(ctx, tx, &attempt); err != nil {
			return err
		}
		return s.events.SetReplayRequested(ctx, tx, event.ID, false, now)
	})
}

// persist writes the batch's attempt rows and ledger outcomes atomically.
func (s *Service) persist(ctx context.Context, results []attemptResult) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, res := range results {
			attempt := processoreventdomain.ReplayAttempt{
				ID:          s.genID.Generate(),
				EventID:     res.eventID,
				Status:      res.status,
				Error:       res.errMsg,
				Metadata:    res.metadata,
				AttemptedAt: now,
			}
			if err := s.events.InsertAttempt(ctx, tx, &attempt); err != nil {
				return err
			}
			outcome := processoreventdomain.ReplayOutcome{
				Attempts:        res.attempts,
				LastReplayError: res.errMsg,
				ReplayRequested: res.err != nil,
				InvoiceID:       res.invoiceID,
			}
			if err := s.events.ApplyReplayOutcome(ctx, tx, res.eventID, outcome, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// recordedError flattens effect errors into the stable strings the attempt
// audit trail carries.
func recordedError(err error) string {
	switch {
	case errors.Is(err, paymentservice.ErrMissingInvoice):
		return "missing_invoice"
	case errors.Is(err, invoicedomain.ErrInvoiceNotFound):
		return "invoice_not_found"
	default:
		return err.Error()
	}
}
