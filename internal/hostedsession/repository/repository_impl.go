package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/servana/internal/hostedsession/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const sessionColumns = `id, invoice_id, provider, provider_session_id, session_url,
	status, retry_count, last_retry_at, next_retry_at, last_error, metadata,
	expires_at, completed_at, cancelled_at, created_at, updated_at`

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.HostedCheckoutSession, error) {
	var item domain.HostedCheckoutSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM hosted_checkout_sessions
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

func (r *repo) InsertSession(ctx context.Context, db *gorm.DB, session *domain.HostedCheckoutSession) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO hosted_checkout_sessions (
			id, invoice_id, provider, provider_session_id, session_url,
			status, retry_count, last_retry_at, next_retry_at, last_error,
			metadata, expires_at, completed_at, cancelled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.InvoiceID,
		session.Provider,
		session.ProviderSessionID,
		session.SessionURL,
		session.Status,
		session.RetryCount,
		session.LastRetryAt,
		session.NextRetryAt,
		session.LastError,
		session.Metadata,
		session.ExpiresAt,
		session.CompletedAt,
		session.CancelledAt,
		session.CreatedAt,
		session.UpdatedAt,
	).Error
}

func (r *repo) ListExpirable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.HostedCheckoutSession, error) {
	var items []domain.HostedCheckoutSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM hosted_checkout_sessions
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		domain.SessionStatusInitiated,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListAbandonable(ctx context.Context, db *gorm.DB, limit int) ([]domain.AbandonCandidate, error) {
	var rows []struct {
		domain.HostedCheckoutSession
		InvoicePaidAt time.Time `gorm:"column:invoice_paid_at"`
	}
	err := db.WithContext(ctx).Raw(
		`SELECT s.id, s.invoice_id, s.provider, s.provider_session_id, s.session_url,
			s.status, s.retry_count, s.last_retry_at, s.next_retry_at, s.last_error,
			s.metadata, s.expires_at, s.completed_at, s.cancelled_at,
			s.created_at, s.updated_at,
			i.paid_at AS invoice_paid_at
		 FROM hosted_checkout_sessions s
		 JOIN invoices i ON i.id = s.invoice_id
		 WHERE s.status IN (?, ?) AND i.status = ? AND i.paid_at IS NOT NULL
		 ORDER BY s.created_at ASC
		 LIMIT ?`,
		domain.SessionStatusInitiated,
		domain.SessionStatusFailed,
		"paid",
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.AbandonCandidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, domain.AbandonCandidate{
			Session: row.HostedCheckoutSession,
			PaidAt:  row.InvoicePaidAt,
		})
	}
	return candidates, nil
}

func (r *repo) ListRetryDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.HostedCheckoutSession, error) {
	var items []domain.HostedCheckoutSession
	// Failed sessions carry next_retry_at = NULL right after MarkFailed, so
	// NULL counts as due for them. Initiated sessions are healthy until a
	// retry has actually been scheduled: NULL there means nothing to do.
	err := db.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM hosted_checkout_sessions
		 WHERE (
		       (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		    OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		 )
		 ORDER BY next_retry_at ASC
		 LIMIT ?`,
		domain.SessionStatusFailed,
		now,
		domain.SessionStatusInitiated,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ClaimExpire is the conditional-update claim: only the sweeper whose UPDATE
// still sees status=initiated wins the row.
func (r *repo) ClaimExpire(ctx context.Context, db *gorm.DB, id snowflake.ID, cancelledAt time.Time, lastError string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE hosted_checkout_sessions
		 SET status = ?,
		     cancelled_at = ?,
		     last_error = CASE WHEN last_error = '' THEN ? ELSE last_error END,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.SessionStatusExpired,
		cancelledAt,
		lastError,
		cancelledAt,
		id,
		domain.SessionStatusInitiated,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClaimAbandon(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.SessionStatus, cancelledAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE hosted_checkout_sessions
		 SET status = ?,
		     cancelled_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.SessionStatusAbandoned,
		cancelledAt,
		cancelledAt,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateRetryBookkeeping(ctx context.Context, db *gorm.DB, session *domain.HostedCheckoutSession) error {
	return db.WithContext(ctx).Exec(
		`UPDATE hosted_checkout_sessions
		 SET retry_count = ?,
		     last_retry_at = ?,
		     next_retry_at = ?,
		     metadata = ?,
		     updated_at = ?
		 WHERE id = ?`,
		session.RetryCount,
		session.LastRetryAt,
		session.NextRetryAt,
		session.Metadata,
		session.UpdatedAt,
		session.ID,
	).Error
}

func (r *repo) CompleteForInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, completedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE hosted_checkout_sessions
		 SET status = ?,
		     completed_at = ?,
		     updated_at = ?
		 WHERE invoice_id = ? AND status = ?`,
		domain.SessionStatusCompleted,
		completedAt,
		completedAt,
		invoiceID,
		domain.SessionStatusInitiated,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, lastError string, failedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE hosted_checkout_sessions
		 SET status = ?,
		     last_error = ?,
		     updated_at = ?
		 WHERE invoice_id = ? AND status = ?`,
		domain.SessionStatusFailed,
		lastError,
		failedAt,
		invoiceID,
		domain.SessionStatusInitiated,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) InsertRun(ctx context.Context, db *gorm.DB, run *domain.HostedSessionRecoveryRun) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO hosted_session_recovery_runs (
			id, triggered_by, status, scheduled, notified, expired, abandoned,
			error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.TriggeredBy,
		run.Status,
		run.Scheduled,
		run.Notified,
		run.Expired,
		run.Abandoned,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	).Error
}
