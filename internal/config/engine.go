package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"connector/internal/batch"
	"connector/internal/delivery"
	"connector/internal/scheduler"
)

// EnvPrefix selects the environment variables merged over the engine file.
// CONNECTOR__RETRY__MAX_ATTEMPTS=3 sets retry.max_attempts.
const EnvPrefix = "CONNECTOR__"

type BatchCfg struct {
	MaxCount    int           `koanf:"max_count"`
	MaxBytes    int           `koanf:"max_bytes"`
	MaxHoldTime time.Duration `koanf:"max_hold_time"`
}

type DeliveryCfg struct {
	MaxInFlightPerPartition int    `koanf:"max_in_flight_per_partition"`
	OnExhausted             string `koanf:"on_exhausted"` // deadletter|halt
}

type RetryCfg struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
	Jitter      float64       `koanf:"jitter"`
}

type PollCfg struct {
	IdleWait      time.Duration `koanf:"idle_wait"`
	MaxRecords    int           `koanf:"max_records"`
	MaxConcurrent int           `koanf:"max_concurrent"` // 0 = unbounded
}

type TimeoutsCfg struct {
	Poll    time.Duration `koanf:"poll"`
	Deliver time.Duration `koanf:"deliver"`
	Commit  time.Duration `koanf:"commit"`
}

type ShutdownCfg struct {
	DrainTimeout time.Duration `koanf:"drain_timeout"` // 0 = wait for in-flight batches
}

// Engine holds the tuning knobs shared by every partition.
type Engine struct {
	Batch    BatchCfg    `koanf:"batch"`
	Delivery DeliveryCfg `koanf:"delivery"`
	Retry    RetryCfg    `koanf:"retry"`
	Poll     PollCfg     `koanf:"poll"`
	Timeouts TimeoutsCfg `koanf:"timeouts"`
	Shutdown ShutdownCfg `koanf:"shutdown"`
}

func DefaultEngine() Engine {
	return Engine{
		Batch:    BatchCfg{MaxCount: 500, MaxBytes: 1 << 20, MaxHoldTime: time.Second},
		Delivery: DeliveryCfg{MaxInFlightPerPartition: 4, OnExhausted: string(delivery.DeadLetterOnExhausted)},
		Retry: RetryCfg{
			MaxAttempts: 5,
			BackoffBase: 200 * time.Millisecond,
			BackoffCap:  30 * time.Second,
			Jitter:      0.2,
		},
		Poll:     PollCfg{IdleWait: 500 * time.Millisecond, MaxRecords: 500},
		Timeouts: TimeoutsCfg{Poll: 30 * time.Second, Deliver: 30 * time.Second, Commit: 10 * time.Second},
	}
}

// LoadEngine merges the YAML file at path (optional) and the CONNECTOR__
// environment over the defaults.
func LoadEngine(path string) (Engine, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Engine{}, fmt.Errorf("engine config %s: %w", path, err)
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Engine{}, fmt.Errorf("engine schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(EnvPrefix, "__", envKey), nil); err != nil {
		return Engine{}, err
	}

	cfg := DefaultEngine()
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("engine config: %w", err)
	}
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

func (e Engine) Validate() error {
	var errs []error
	if e.Batch.MaxCount < 1 {
		errs = append(errs, errors.New("batch.max_count must be >= 1"))
	}
	if e.Batch.MaxBytes < 1 {
		errs = append(errs, errors.New("batch.max_bytes must be >= 1"))
	}
	if e.Batch.MaxHoldTime <= 0 {
		errs = append(errs, errors.New("batch.max_hold_time must be > 0"))
	}
	if e.Delivery.MaxInFlightPerPartition < 1 {
		errs = append(errs, errors.New("delivery.max_in_flight_per_partition must be >= 1"))
	}
	switch delivery.Policy(e.Delivery.OnExhausted) {
	case delivery.DeadLetterOnExhausted, delivery.HaltOnExhausted:
	default:
		errs = append(errs, fmt.Errorf("delivery.on_exhausted %q: want deadletter or halt", e.Delivery.OnExhausted))
	}
	if e.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if e.Retry.BackoffBase < 0 || e.Retry.BackoffCap < e.Retry.BackoffBase {
		errs = append(errs, errors.New("retry.backoff_cap must be >= retry.backoff_base >= 0"))
	}
	if e.Retry.Jitter < 0 || e.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0,1]"))
	}
	if e.Poll.IdleWait <= 0 {
		errs = append(errs, errors.New("poll.idle_wait must be > 0"))
	}
	if e.Poll.MaxRecords < 1 {
		errs = append(errs, errors.New("poll.max_records must be >= 1"))
	}
	if e.Poll.MaxConcurrent < 0 {
		errs = append(errs, errors.New("poll.max_concurrent must be >= 0"))
	}
	return errors.Join(errs...)
}

// Scheduler translates the file layout into the scheduler's tuning.
func (e Engine) Scheduler() scheduler.Config {
	return scheduler.Config{
		Batch: batch.Limits{
			MaxCount: e.Batch.MaxCount,
			MaxBytes: e.Batch.MaxBytes,
			MaxHold:  e.Batch.MaxHoldTime,
		},
		Delivery: delivery.Config{
			MaxInFlight: e.Delivery.MaxInFlightPerPartition,
			MaxAttempts: e.Retry.MaxAttempts,
			Backoff: delivery.Backoff{
				Base:   e.Retry.BackoffBase,
				Cap:    e.Retry.BackoffCap,
				Jitter: e.Retry.Jitter,
			},
			OnExhausted:    delivery.Policy(e.Delivery.OnExhausted),
			DeliverTimeout: e.Timeouts.Deliver,
			CommitTimeout:  e.Timeouts.Commit,
		},
		PollIdleWait:       e.Poll.IdleWait,
		PollMaxRecords:     e.Poll.MaxRecords,
		PollTimeout:        e.Timeouts.Poll,
		MaxConcurrentPolls: e.Poll.MaxConcurrent,
		DrainTimeout:       e.Shutdown.DrainTimeout,
	}
}
