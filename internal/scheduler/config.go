package scheduler

import (
	"time"
)

// Config controls worker intervals, timeouts and job selection.
type Config struct {
	RunInterval    time.Duration
	JobTimeout     time.Duration
	QueueDrainWait time.Duration
	LockTTL        time.Duration
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		JobTimeout:     30 * time.Second,
		QueueDrainWait: time.Second,
		LockTTL:        2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.QueueDrainWait <= 0 {
		c.QueueDrainWait = defaults.QueueDrainWait
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
