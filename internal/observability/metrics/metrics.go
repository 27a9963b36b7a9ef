package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	WebhookResultProcessed = "processed"
	WebhookResultDuplicate = "duplicate"
	WebhookResultIgnored   = "ignored"
	WebhookResultRejected  = "rejected"
	WebhookResultError     = "error"
)

const (
	ReplayStatusSucceeded = "succeeded"
	ReplayStatusFailed    = "failed"
	ReplayStatusSkipped   = "skipped"
)

const (
	JobReasonDeadlineExceeded = "deadline_exceeded"
	JobReasonDB               = "db"
	JobReasonLock             = "lock_unavailable"
	JobReasonUnknown          = "unknown"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

// ReconciliationMetrics captures billing reconciliation health signals.
type ReconciliationMetrics struct {
	webhookEvents  *prometheus.CounterVec
	replayAttempts *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	sweepScheduled prometheus.Counter
	sweepNotified  prometheus.Counter
	sweepExpired   prometheus.Counter
	sweepAbandoned prometheus.Counter
}

var (
	reconciliationMetricsOnce sync.Once
	reconciliationMetrics     *ReconciliationMetrics
)

// Reconciliation returns the singleton reconciliation metrics registry.
func Reconciliation() *ReconciliationMetrics {
	return ReconciliationWithConfig(Config{})
}

// ReconciliationWithConfig returns the singleton registry using config labels.
func ReconciliationWithConfig(cfg Config) *ReconciliationMetrics {
	reconciliationMetricsOnce.Do(func() {
		reconciliationMetrics = newReconciliationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconciliationMetrics
}

// ResetReconciliationMetricsForTest resets the singleton for tests.
func ResetReconciliationMetricsForTest() {
	reconciliationMetricsOnce = sync.Once{}
	reconciliationMetrics = nil
}

func newReconciliationMetrics(registerer prometheus.Registerer, cfg Config) *ReconciliationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "servana"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "servana_webhook_events_total",
		Help:        "Processor webhook deliveries by provider and outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "result"})
	replayAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "servana_replay_attempts_total",
		Help:        "Replay attempts against deferred processor events by outcome.",
		ConstLabels: constLabels,
	}, []string{"status"})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "servana_worker_job_runs_total",
		Help:        "Worker job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "servana_worker_job_errors_total",
		Help:        "Worker job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "servana_worker_job_duration_seconds",
		Help:        "Worker job latency to keep reconciliation backlog bounded.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	sweepScheduled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "servana_session_recovery_scheduled_total",
		Help:        "Hosted checkout sessions scheduled for retry by the recovery sweep.",
		ConstLabels: constLabels,
	})
	sweepNotified := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "servana_session_recovery_notified_total",
		Help:        "Customer notifications issued by the recovery sweep.",
		ConstLabels: constLabels,
	})
	sweepExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "servana_session_recovery_expired_total",
		Help:        "Hosted checkout sessions expired by the recovery sweep.",
		ConstLabels: constLabels,
	})
	sweepAbandoned := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "servana_session_recovery_abandoned_total",
		Help:        "Hosted checkout sessions abandoned after the invoice settled elsewhere.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		webhookEvents,
		replayAttempts,
		jobRuns,
		jobErrors,
		jobDuration,
		sweepScheduled,
		sweepNotified,
		sweepExpired,
		sweepAbandoned,
	)

	return &ReconciliationMetrics{
		webhookEvents:  webhookEvents,
		replayAttempts: replayAttempts,
		jobRuns:        jobRuns,
		jobErrors:      jobErrors,
		jobDuration:    jobDuration,
		sweepScheduled: sweepScheduled,
		sweepNotified:  sweepNotified,
		sweepExpired:   sweepExpired,
		sweepAbandoned: sweepAbandoned,
	}
}

// IncWebhookEvent increments the webhook delivery counter.
func (m *ReconciliationMetrics) IncWebhookEvent(provider, result string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, result).Inc()
}

// IncReplayAttempt increments the replay attempt counter by outcome.
func (m *ReconciliationMetrics) IncReplayAttempt(status string) {
	if m == nil || m.replayAttempts == nil {
		return
	}
	m.replayAttempts.WithLabelValues(status).Inc()
}

// IncJobRun increments the run counter for a worker job.
func (m *ReconciliationMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// IncJobError increments the worker job error counter with classification.
func (m *ReconciliationMetrics) IncJobError(job string, err error) {
	if m == nil || m.jobErrors == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, classifyJobReason(err)).Inc()
}

// ObserveJobDuration records worker job latency in seconds.
func (m *ReconciliationMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordSweepOutcome records per-session outcomes of a recovery sweep.
func (m *ReconciliationMetrics) RecordSweepOutcome(scheduled, notified, expired, abandoned int) {
	if m == nil {
		return
	}
	addCount(m.sweepScheduled, scheduled)
	addCount(m.sweepNotified, notified)
	addCount(m.sweepExpired, expired)
	addCount(m.sweepAbandoned, abandoned)
}

func addCount(counter prometheus.Counter, count int) {
	if counter == nil || count <= 0 {
		return
	}
	counter.Add(float64(count))
}

func classifyJobReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrInvalidDB),
		errors.Is(err, gorm.ErrInvalidTransaction),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return JobReasonDB
	default:
		return JobReasonUnknown
	}
}
