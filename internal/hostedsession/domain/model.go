package domain

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionStatusInitiated SessionStatus = "initiated"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusAbandoned SessionStatus = "abandoned"
	SessionStatusFailed    SessionStatus = "failed"
)

const ErrorExpiredWithoutCompletion = "expired_without_completion"

// RecoveryAttemptEntry is one line of the session's recovery log.
type RecoveryAttemptEntry struct {
	Attempt  int       `json:"attempt"`
	At       time.Time `json:"at"`
	Notified bool      `json:"notified"`
	Error    string    `json:"error,omitempty"`
}

// SessionMetadata models the fields the recovery scheduler reads as typed
// data while round-tripping unknown keys through Extra.
type SessionMetadata struct {
	RecoveryAttempts []RecoveryAttemptEntry `json:"-"`
	LastNotifiedAt   *time.Time             `json:"-"`
	Extra            map[string]any         `json:"-"`
}

func (m SessionMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for key, value := range m.Extra {
		out[key] = value
	}
	if len(m.RecoveryAttempts) > 0 {
		out["recovery_attempts"] = m.RecoveryAttempts
	}
	if m.LastNotifiedAt != nil {
		out["last_notified_at"] = m.LastNotifiedAt.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

func (m *SessionMetadata) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = SessionMetadata{}
	if attempts, ok := raw["recovery_attempts"]; ok {
		if err := json.Unmarshal(attempts, &m.RecoveryAttempts); err != nil {
			return err
		}
		delete(raw, "recovery_attempts")
	}
	if notified, ok := raw["last_notified_at"]; ok {
		var value string
		if err := json.Unmarshal(notified, &value); err == nil && value != "" {
			if parsed, err := time.Parse(time.RFC3339, value); err == nil {
				parsed = parsed.UTC()
				m.LastNotifiedAt = &parsed
			}
		}
		delete(raw, "last_notified_at")
	}
	if len(raw) > 0 {
		m.Extra = make(map[string]any, len(raw))
		for key, value := range raw {
			var decoded any
			if err := json.Unmarshal(value, &decoded); err != nil {
				return err
			}
			m.Extra[key] = decoded
		}
	}
	return nil
}

func (m SessionMetadata) Value() (driver.Value, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func (m *SessionMetadata) Scan(value any) error {
	if value == nil {
		*m = SessionMetadata{}
		return nil
	}
	switch cast := value.(type) {
	case []byte:
		if len(cast) == 0 {
			*m = SessionMetadata{}
			return nil
		}
		return m.UnmarshalJSON(cast)
	case string:
		if cast == "" {
			*m = SessionMetadata{}
			return nil
		}
		return m.UnmarshalJSON([]byte(cast))
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
}

// HostedCheckoutSession is one externally hosted checkout attempt
// correlated to one invoice.
type HostedCheckoutSession struct {
	ID                snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceID         snowflake.ID    `json:"invoice_id" gorm:"not null;index"`
	Provider          string          `json:"provider" gorm:"type:text;not null"`
	ProviderSessionID string          `json:"provider_session_id" gorm:"type:text;not null"`
	SessionURL        string          `json:"session_url" gorm:"type:text;not null"`
	Status            SessionStatus   `json:"status" gorm:"type:text;not null;index:ix_hosted_sessions_status_expires,priority:1"`
	RetryCount        int             `json:"retry_count" gorm:"not null"`
	LastRetryAt       *time.Time      `json:"last_retry_at"`
	NextRetryAt       *time.Time      `json:"next_retry_at"`
	LastError         string          `json:"last_error" gorm:"type:text;not null"`
	Metadata          SessionMetadata `json:"metadata" gorm:"type:jsonb"`
	ExpiresAt         *time.Time      `json:"expires_at" gorm:"index:ix_hosted_sessions_status_expires,priority:2"`
	CompletedAt       *time.Time      `json:"completed_at"`
	CancelledAt       *time.Time      `json:"cancelled_at"`
	CreatedAt         time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"not null"`
}

func (HostedCheckoutSession) TableName() string { return "hosted_checkout_sessions" }

const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// HostedSessionRecoveryRun is the append-only audit row written once per
// sweep, success or failure.
type HostedSessionRecoveryRun struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	TriggeredBy string       `json:"triggered_by" gorm:"type:text;not null"`
	Status      string       `json:"status" gorm:"type:text;not null"`
	Scheduled   int          `json:"scheduled" gorm:"not null"`
	Notified    int          `json:"notified" gorm:"not null"`
	Expired     int          `json:"expired" gorm:"not null"`
	Abandoned   int          `json:"abandoned" gorm:"not null"`
	Error       string       `json:"error" gorm:"type:text;not null"`
	StartedAt   time.Time    `json:"started_at" gorm:"not null"`
	CompletedAt *time.Time   `json:"completed_at"`
}

func (HostedSessionRecoveryRun) TableName() string { return "hosted_session_recovery_runs" }

var ErrInvalidSession = errors.New("invalid_session")

// SweepResult is what one recovery sweep reports back.
type SweepResult struct {
	Scheduled int `json:"scheduled"`
	Notified  int `json:"notified"`
}

// AbandonCandidate pairs a session with its externally settled invoice.
type AbandonCandidate struct {
	Session HostedCheckoutSession
	PaidAt  time.Time
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*HostedCheckoutSession, error)
	InsertSession(ctx context.Context, db *gorm.DB, session *HostedCheckoutSession) error
	ListExpirable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]HostedCheckoutSession, error)
	ListAbandonable(ctx context.Context, db *gorm.DB, limit int) ([]AbandonCandidate, error)
	ListRetryDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]HostedCheckoutSession, error)
	ClaimExpire(ctx context.Context, db *gorm.DB, id snowflake.ID, cancelledAt time.Time, lastError string) (bool, error)
	ClaimAbandon(ctx context.Context, db *gorm.DB, id snowflake.ID, from SessionStatus, cancelledAt time.Time) (bool, error)
	UpdateRetryBookkeeping(ctx context.Context, db *gorm.DB, session *HostedCheckoutSession) error
	CompleteForInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, completedAt time.Time) (int64, error)
	MarkFailed(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, lastError string, failedAt time.Time) (int64, error)
	InsertRun(ctx context.Context, db *gorm.DB, run *HostedSessionRecoveryRun) error
}
