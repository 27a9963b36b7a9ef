package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconciliationConfig carries the tunable guardrails for the billing
// reconciliation core: replay bounds, recovery sweep cadence and hosted
// session retry policy.
type ReconciliationConfig struct {
	MaxReplayAttempts      int           `mapstructure:"maxReplayAttempts"`
	ReplayBatchSize        int           `mapstructure:"replayBatchSize"`
	RecoveryInterval       time.Duration `mapstructure:"recoveryInterval"`
	RecoveryBatchSize      int           `mapstructure:"recoveryBatchSize"`
	SessionMaxAttempts     int           `mapstructure:"sessionMaxAttempts"`
	SessionRetryBackoff    time.Duration `mapstructure:"sessionRetryBackoff"`
	SessionRetryBackoffCap time.Duration `mapstructure:"sessionRetryBackoffCap"`
}

func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		MaxReplayAttempts:      5,
		ReplayBatchSize:        50,
		RecoveryInterval:       time.Minute,
		RecoveryBatchSize:      50,
		SessionMaxAttempts:     3,
		SessionRetryBackoff:    15 * time.Minute,
		SessionRetryBackoffCap: 4 * time.Hour,
	}
}

// ReconciliationConfigHolder keeps the current config behind an atomic so
// reloads never race with the scheduler loop reading it.
type ReconciliationConfigHolder struct {
	current atomic.Value // holds ReconciliationConfig
}

func NewReconciliationConfigHolder() (*ReconciliationConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("reconciliation")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/servana/config")
	v.AddConfigPath("/etc/servana")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SERVANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReconciliationConfig()
	v.SetDefault("reconciliation.maxReplayAttempts", defaults.MaxReplayAttempts)
	v.SetDefault("reconciliation.replayBatchSize", defaults.ReplayBatchSize)
	v.SetDefault("reconciliation.recoveryInterval", defaults.RecoveryInterval)
	v.SetDefault("reconciliation.recoveryBatchSize", defaults.RecoveryBatchSize)
	v.SetDefault("reconciliation.sessionMaxAttempts", defaults.SessionMaxAttempts)
	v.SetDefault("reconciliation.sessionRetryBackoff", defaults.SessionRetryBackoff)
	v.SetDefault("reconciliation.sessionRetryBackoffCap", defaults.SessionRetryBackoffCap)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg ReconciliationConfig
	if err := v.UnmarshalKey("reconciliation", &cfg); err != nil {
		return nil, err
	}
	if err := validateReconciliationConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ReconciliationConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ReconciliationConfig
		if err := v.UnmarshalKey("reconciliation", &updated); err != nil {
			log.Printf("[reconciliation-config] reload failed: %v", err)
			return
		}
		if err := validateReconciliationConfig(updated); err != nil {
			log.Printf("[reconciliation-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[reconciliation-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticReconciliationConfigHolder wraps a fixed config with no file
// watching. Used by tests and embedded callers.
func NewStaticReconciliationConfigHolder(cfg ReconciliationConfig) *ReconciliationConfigHolder {
	holder := &ReconciliationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *ReconciliationConfigHolder) Get() ReconciliationConfig {
	return h.current.Load().(ReconciliationConfig)
}

func validateReconciliationConfig(cfg ReconciliationConfig) error {
	if cfg.MaxReplayAttempts <= 0 {
		return errors.New("reconciliation.maxReplayAttempts must be positive")
	}
	if cfg.SessionMaxAttempts <= 0 {
		return errors.New("reconciliation.sessionMaxAttempts must be positive")
	}
	if cfg.SessionRetryBackoff <= 0 {
		return errors.New("reconciliation.sessionRetryBackoff must be positive")
	}
	return nil
}
