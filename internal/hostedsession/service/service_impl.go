package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/clock"
	"github.com/smallbiznis/servana/internal/config"
	"github.com/smallbiznis/servana/internal/hostedsession/domain"
	"github.com/smallbiznis/servana/internal/observability/metrics"
	"github.com/smallbiznis/servana/internal/providers/notification"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Gateway notification.Gateway
	CfgHold *config.ReconciliationConfigHolder
}

// Service owns hosted checkout session recovery: expiring lapsed sessions,
// abandoning ones whose invoice settled elsewhere, and scheduling bounded
// retries with escalating notification.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	gateway notification.Gateway
	cfgHold *config.ReconciliationConfigHolder
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("hostedsession.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		gateway: p.Gateway,
		cfgHold: p.CfgHold,
	}
}

// SweepInput parameterizes one recovery sweep. Zero values fall back to the
// reconciliation config.
type SweepInput struct {
	TriggeredBy string
	Limit       int
	MaxAttempts int
}

// Sweep runs one recovery pass and always writes exactly one
// HostedSessionRecoveryRun, including when the pass fails partway.
func (s *Service) Sweep(ctx context.Context, input SweepInput) (domain.SweepResult, error) {
	cfg := s.cfgHold.Get()
	limit := input.Limit
	if limit <= 0 {
		limit = cfg.RecoveryBatchSize
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.SessionMaxAttempts
	}
	triggeredBy := strings.TrimSpace(input.TriggeredBy)
	if triggeredBy == "" {
		triggeredBy = "scheduler"
	}

	startedAt := s.clock.Now()
	result, expired, abandoned, sweepErr := s.sweep(ctx, startedAt, limit, maxAttempts, cfg)

	completedAt := s.clock.Now()
	run := domain.HostedSessionRecoveryRun{
		ID:          s.genID.Generate(),
		TriggeredBy: triggeredBy,
		Status:      domain.RunStatusSucceeded,
		Scheduled:   result.Scheduled,
		Notified:    result.Notified,
		Expired:     expired,
		Abandoned:   abandoned,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	}
	if sweepErr != nil {
		run.Status = domain.RunStatusFailed
		run.Error = sweepErr.Error()
	}

	// The run row is the audit trail; persist it before any error leaves
	// this method so a sweep can never fail invisibly.
	if err := s.repo.InsertRun(ctx, s.db, &run); err != nil {
		s.log.Error("failed to persist recovery run", zap.Error(err))
		if sweepErr == nil {
			sweepErr = err
		}
	}

	metrics.Reconciliation().RecordSweepOutcome(result.Scheduled, result.Notified, expired, abandoned)
	s.log.Info("recovery sweep finished",
		zap.String("triggered_by", triggeredBy),
		zap.String("status", run.Status),
		zap.Int("scheduled", result.Scheduled),
		zap.Int("notified", result.Notified),
		zap.Int("expired", expired),
		zap.Int("abandoned", abandoned),
	)

	return result, sweepErr
}

func (s *Service) sweep(
	ctx context.Context,
	now time.Time,
	limit int,
	maxAttempts int,
	cfg config.ReconciliationConfig,
) (domain.SweepResult, int, int, error) {
	var result domain.SweepResult

	expired, err := s.expireLapsed(ctx, now, limit)
	if err != nil {
		return result, expired, 0, err
	}

	abandoned, err := s.abandonSettled(ctx, limit)
	if err != nil {
		return result, expired, abandoned, err
	}

	result, err = s.scheduleRetries(ctx, now, limit, maxAttempts, cfg)
	return result, expired, abandoned, err
}

func (s *Service) expireLapsed(ctx context.Context, now time.Time, limit int) (int, error) {
	sessions, err := s.repo.ListExpirable(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, session := range sessions {
		claimed, err := s.repo.ClaimExpire(ctx, s.db, session.ID, now, domain.ErrorExpiredWithoutCompletion)
		if err != nil {
			return expired, err
		}
		if claimed {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) abandonSettled(ctx context.Context, limit int) (int, error) {
	candidates, err := s.repo.ListAbandonable(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}
	abandoned := 0
	for _, candidate := range candidates {
		claimed, err := s.repo.ClaimAbandon(ctx, s.db, candidate.Session.ID, candidate.Session.Status, candidate.PaidAt)
		if err != nil {
			return abandoned, err
		}
		if claimed {
			abandoned++
		}
	}
	return abandoned, nil
}

func (s *Service) scheduleRetries(
	ctx context.Context,
	now time.Time,
	limit int,
	maxAttempts int,
	cfg config.ReconciliationConfig,
) (domain.SweepResult, error) {
	var result domain.SweepResult

	due, err := s.repo.ListRetryDue(ctx, s.db, now, limit)
	if err != nil {
		return result, err
	}

	for _, session := range due {
		if session.RetryCount >= maxAttempts {
			// Left for manual operator action.
			continue
		}

		attempt := session.RetryCount + 1
		next := now.Add(retryBackoff(attempt, cfg.SessionRetryBackoff, cfg.SessionRetryBackoffCap))

		session.RetryCount = attempt
		session.LastRetryAt = &now
		session.NextRetryAt = &next
		session.UpdatedAt = now

		entry := domain.RecoveryAttemptEntry{Attempt: attempt, At: now}
		delivered, dispatchErr := s.gateway.DispatchRecoveryNotice(ctx, &session, attempt)
		entry.Notified = delivered
		if dispatchErr != nil {
			entry.Error = dispatchErr.Error()
		}
		session.Metadata.RecoveryAttempts = append(session.Metadata.RecoveryAttempts, entry)
		if delivered {
			notifiedAt := now
			session.Metadata.LastNotifiedAt = &notifiedAt
		}

		if err := s.repo.UpdateRetryBookkeeping(ctx, s.db, &session); err != nil {
			return result, err
		}
		result.Scheduled++
		if delivered {
			result.Notified++
		}
		if dispatchErr != nil {
			return result, fmt.Errorf("dispatch recovery notice for session %s: %w", session.ID, dispatchErr)
		}
	}

	return result, nil
}

// retryBackoff doubles per attempt from base, capped. Monotonically
// non-decreasing in the attempt count.
func retryBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= cap {
			return cap
		}
	}
	if backoff > cap {
		return cap
	}
	return backoff
}

// Create registers a newly initiated hosted checkout session.
func (s *Service) Create(ctx context.Context, session *domain.HostedCheckoutSession) error {
	if session == nil || session.InvoiceID == 0 {
		return domain.ErrInvalidSession
	}
	now := s.clock.Now()
	if session.ID == 0 {
		session.ID = s.genID.Generate()
	}
	if session.Status == "" {
		session.Status = domain.SessionStatusInitiated
	}
	session.CreatedAt = now
	session.UpdatedAt = now
	return s.repo.InsertSession(ctx, s.db, session)
}

// CompleteForInvoice marks the invoice's initiated sessions completed after
// a settlement lands. Returns how many sessions were closed.
func (s *Service) CompleteForInvoice(ctx context.Context, invoiceID snowflake.ID, completedAt time.Time) (int64, error) {
	if completedAt.IsZero() {
		completedAt = s.clock.Now()
	}
	return s.repo.CompleteForInvoice(ctx, s.db, invoiceID, completedAt)
}

// FailForInvoice marks the invoice's initiated sessions failed so the
// recovery sweep picks them up.
func (s *Service) FailForInvoice(ctx context.Context, invoiceID snowflake.ID, lastError string) (int64, error) {
	return s.repo.MarkFailed(ctx, s.db, invoiceID, lastError, s.clock.Now())
}
