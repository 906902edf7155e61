package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds the saga/outbox/session/reconciler knobs
// enumerated in spec.md §6 "Configuration knobs". It is the ambient
// configuration surface for the cross-cutting distributed-transaction
// and lifecycle engine (§1), layered on top of the same viper-backed
// Config this service already loads everything else from.
type EngineConfig struct {
	Saga        SagaConfig        `mapstructure:"saga"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Session     SessionConfig     `mapstructure:"session"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
}

// SagaConfig maps spec.md §6's saga.* knobs.
type SagaConfig struct {
	DefaultStepTimeout      time.Duration `mapstructure:"default_step_timeout"`
	DefaultSagaTimeout      time.Duration `mapstructure:"default_saga_timeout"`
	DefaultMaxRetries       int           `mapstructure:"default_max_retries"`
	DefaultBackoffMultiplier float64      `mapstructure:"default_backoff_multiplier"`
	// Durable is the config-level value for saga.Options.Durable, which
	// is set per Execute call; cmd/server does not read this field. With
	// Options.Durable set, the orchestrator writes each run's initial and
	// terminal snapshots to the saga_runs table so the reconciler's
	// saga-timeouts job (spec.md §4.4) has rows to scan.
	Durable bool `mapstructure:"durable"`
}

// OutboxConfig maps spec.md §6's outbox.* knobs.
type OutboxConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MinPollInterval time.Duration `mapstructure:"min_poll_ms"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_ms"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff_ms"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// SessionConfig maps spec.md §6's session.* knobs.
type SessionConfig struct {
	DefaultDuration           time.Duration `mapstructure:"default_duration_ms"`
	MaxSessionsPerAccount     int           `mapstructure:"max_sessions_per_account"`
	EnableBinding             bool          `mapstructure:"enable_binding"`
	IPBindingStrict           bool          `mapstructure:"ip_binding_strict"`
	EnableTokenReuseDetection bool          `mapstructure:"enable_token_reuse_detection"`
	BindingRiskThreshold      int           `mapstructure:"binding_risk_threshold"`
}

// ReconcilerConfig maps spec.md §6's reconciler.<jobName>.cron knobs.
// Every cadence in §4.4's job table has a named field here, with its
// default set in setEngineDefaults. An empty value is not replaced:
// Scheduler.Start rejects it as an unparseable cron spec.
type ReconcilerConfig struct {
	ExpireSessionsCron   string `mapstructure:"expire_sessions_cron"`
	GCRevokedTokensCron  string `mapstructure:"gc_revoked_tokens_cron"`
	GCIdempotencyCron    string `mapstructure:"gc_idempotency_cron"`
	SagaTimeoutsCron     string `mapstructure:"saga_timeouts_cron"`
	GCDeadLettersCron    string `mapstructure:"gc_dead_letters_cron"`
	GCOutboxCron         string `mapstructure:"gc_outbox_cron"`
	ConsentExpiryCron    string `mapstructure:"consent_expiry_cron"`
	DSRDeadlinesCron     string `mapstructure:"dsr_deadlines_cron"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
}

func setEngineDefaults() {
	viper.SetDefault("engine.saga.default_step_timeout", "30s")
	viper.SetDefault("engine.saga.default_saga_timeout", "300s")
	viper.SetDefault("engine.saga.default_max_retries", 0)
	viper.SetDefault("engine.saga.default_backoff_multiplier", 1.0)
	viper.SetDefault("engine.saga.durable", true)

	viper.SetDefault("engine.outbox.batch_size", 50)
	viper.SetDefault("engine.outbox.min_poll_ms", "100ms")
	viper.SetDefault("engine.outbox.max_poll_ms", "10s")
	viper.SetDefault("engine.outbox.max_retry_backoff_ms", "1h")
	viper.SetDefault("engine.outbox.max_retries", 5)

	viper.SetDefault("engine.session.default_duration_ms", "24h")
	viper.SetDefault("engine.session.max_sessions_per_account", 10)
	viper.SetDefault("engine.session.enable_binding", true)
	viper.SetDefault("engine.session.ip_binding_strict", false)
	viper.SetDefault("engine.session.enable_token_reuse_detection", true)
	viper.SetDefault("engine.session.binding_risk_threshold", 100)

	viper.SetDefault("engine.reconciler.expire_sessions_cron", "@every 5m")
	viper.SetDefault("engine.reconciler.gc_revoked_tokens_cron", "@every 1h")
	viper.SetDefault("engine.reconciler.gc_idempotency_cron", "@every 1h")
	viper.SetDefault("engine.reconciler.saga_timeouts_cron", "@every 5m")
	viper.SetDefault("engine.reconciler.gc_dead_letters_cron", "@every 24h")
	viper.SetDefault("engine.reconciler.gc_outbox_cron", "@every 1h")
	viper.SetDefault("engine.reconciler.consent_expiry_cron", "@every 1h")
	viper.SetDefault("engine.reconciler.dsr_deadlines_cron", "@every 15m")
	viper.SetDefault("engine.reconciler.lock_ttl", "5m")
}

// Validate checks the engine configuration for internally inconsistent
// values (spec.md §6 knobs must resolve to usable durations/counts).
func (e EngineConfig) Validate() error {
	if e.Saga.DefaultStepTimeout <= 0 {
		return fmt.Errorf("saga.default_step_timeout must be positive")
	}
	if e.Saga.DefaultSagaTimeout <= 0 {
		return fmt.Errorf("saga.default_saga_timeout must be positive")
	}
	if e.Saga.DefaultSagaTimeout < e.Saga.DefaultStepTimeout {
		return fmt.Errorf("saga.default_saga_timeout must be >= saga.default_step_timeout")
	}
	if e.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive")
	}
	if e.Outbox.MinPollInterval <= 0 || e.Outbox.MaxPollInterval <= 0 {
		return fmt.Errorf("outbox.min_poll_ms/max_poll_ms must be positive")
	}
	if e.Outbox.MinPollInterval > e.Outbox.MaxPollInterval {
		return fmt.Errorf("outbox.min_poll_ms must be <= outbox.max_poll_ms")
	}
	if e.Session.MaxSessionsPerAccount <= 0 {
		return fmt.Errorf("session.max_sessions_per_account must be positive")
	}
	if e.Session.DefaultDuration <= 0 {
		return fmt.Errorf("session.default_duration_ms must be positive")
	}
	return nil
}
