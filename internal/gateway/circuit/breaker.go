// Package circuit is the per-provider circuit breaker. State lives in Redis so
// every gateway process sees the same breaker for a provider.
package circuit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
	redisclient "github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"
)

// State is a breaker state as stored in Redis
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) gauge() int {
	switch s {
	case StateOpen:
		return metrics.CircuitOpen
	case StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Config holds breaker thresholds
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns threshold 5 within 60s, 30s recovery
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker gates providers. It never retries; callers ask IsAvailable before attempting.
type Breaker struct {
	client  *redisclient.Client
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Breaker
type Option func(*Breaker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithMetrics publishes state and trips
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// New creates a Breaker; zero config fields take the defaults
func New(client *redisclient.Client, cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func hashKey(provider string) string {
	return "circuit:" + provider
}

func probeKey(provider string) string {
	return "circuit:" + provider + ":probe"
}

func (b *Breaker) nowMs() int64 {
	return b.now().UnixMilli()
}

func scriptStrings(res interface{}, n int) ([]interface{}, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != n {
		return nil, fmt.Errorf("unexpected script result %v", res)
	}
	return vals, nil
}

// GetState returns the provider's state, transitioning open -> half_open
// when the recovery timeout has elapsed since the last failure.
func (b *Breaker) GetState(ctx context.Context, provider string) (State, error) {
	res, err := b.client.RunScript(ctx, stateScript, []string{hashKey(provider)},
		b.nowMs(), b.cfg.RecoveryTimeout.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("circuit state %s: %w", provider, err)
	}
	vals, err := scriptStrings(res, 2)
	if err != nil {
		return "", fmt.Errorf("circuit state %s: %w", provider, err)
	}
	state := State(vals[0].(string))
	if changed, _ := vals[1].(int64); changed == 1 {
		b.transition(provider, StateOpen, StateHalfOpen)
	}
	return state, nil
}

// IsAvailable reports whether a call to the provider may be attempted.
// In half_open exactly one caller wins the probe slot until the probe
// reports back or the slot expires after the recovery timeout.
func (b *Breaker) IsAvailable(ctx context.Context, provider string) (bool, error) {
	state, err := b.GetState(ctx, provider)
	if err != nil {
		return false, err
	}
	switch state {
	case StateClosed:
		return true, nil
	case StateOpen:
		return false, nil
	}

	won, err := b.client.SetNX(ctx, probeKey(provider), strconv.FormatInt(b.nowMs(), 10), b.cfg.RecoveryTimeout)
	if err != nil {
		return false, fmt.Errorf("circuit probe %s: %w", provider, err)
	}
	if won {
		b.logger.Info("circuit half-open probe admitted", zap.String("provider", provider))
	}
	return won, nil
}

// RecordSuccess resets the failure count and closes the circuit
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) error {
	res, err := b.client.RunScript(ctx, successScript,
		[]string{hashKey(provider), probeKey(provider)}, b.nowMs())
	if err != nil {
		return fmt.Errorf("circuit success %s: %w", provider, err)
	}
	vals, err := scriptStrings(res, 2)
	if err != nil {
		return fmt.Errorf("circuit success %s: %w", provider, err)
	}
	state, prev := State(vals[0].(string)), State(vals[1].(string))
	if state != prev {
		b.transition(provider, prev, state)
	}
	return nil
}

// RecordFailure counts a failure; see failureScript for the transitions
func (b *Breaker) RecordFailure(ctx context.Context, provider string) error {
	res, err := b.client.RunScript(ctx, failureScript,
		[]string{hashKey(provider), probeKey(provider)},
		b.nowMs(), b.cfg.FailureThreshold, b.cfg.FailureWindow.Milliseconds(), b.cfg.RecoveryTimeout.Milliseconds())
	if err != nil {
		return fmt.Errorf("circuit failure %s: %w", provider, err)
	}
	vals, err := scriptStrings(res, 3)
	if err != nil {
		return fmt.Errorf("circuit failure %s: %w", provider, err)
	}
	if tripped, _ := vals[1].(int64); tripped == 1 {
		failures, _ := vals[2].(int64)
		b.logger.Warn("circuit opened",
			zap.String("provider", provider),
			zap.Int64("failures", failures),
			zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout),
		)
		b.metrics.SetCircuitState(provider, metrics.CircuitOpen, true)
	}
	return nil
}

// ReleaseProbe hands the half-open probe slot back when the admitted call
// ended without saying anything about the provider (a credential-level
// failure, a cancelled caller, an adapter that could not be built).
func (b *Breaker) ReleaseProbe(ctx context.Context, provider string) error {
	res, err := b.client.RunScript(ctx, releaseProbeScript, []string{hashKey(provider), probeKey(provider)})
	if err != nil {
		return fmt.Errorf("circuit release probe %s: %w", provider, err)
	}
	if n, _ := res.(int64); n == 1 {
		b.logger.Info("circuit half-open probe released", zap.String("provider", provider))
	}
	return nil
}

// ForceOpen opens the circuit until ForceClose; traffic cannot close it
func (b *Breaker) ForceOpen(ctx context.Context, provider string) error {
	now := b.nowMs()
	err := b.client.HSet(ctx, hashKey(provider), map[string]interface{}{
		"state":        string(StateOpen),
		"forced":       "1",
		"last_failure": now,
	})
	if err != nil {
		return fmt.Errorf("force open %s: %w", provider, err)
	}
	if err := b.client.Del(ctx, probeKey(provider)); err != nil {
		return fmt.Errorf("force open %s: %w", provider, err)
	}
	b.logger.Warn("circuit forced open", zap.String("provider", provider))
	b.metrics.SetCircuitState(provider, metrics.CircuitOpen, true)
	return nil
}

// ForceClose closes the circuit and clears the failure window and any force flag
func (b *Breaker) ForceClose(ctx context.Context, provider string) error {
	now := b.nowMs()
	err := b.client.HSet(ctx, hashKey(provider), map[string]interface{}{
		"state":        string(StateClosed),
		"forced":       "0",
		"failures":     0,
		"window_start": now,
	})
	if err != nil {
		return fmt.Errorf("force close %s: %w", provider, err)
	}
	if err := b.client.Del(ctx, probeKey(provider)); err != nil {
		return fmt.Errorf("force close %s: %w", provider, err)
	}
	b.logger.Info("circuit forced closed", zap.String("provider", provider))
	b.metrics.SetCircuitState(provider, metrics.CircuitClosed, false)
	return nil
}

// Snapshot returns the breaker record for operator display
func (b *Breaker) Snapshot(ctx context.Context, provider string) (*models.CircuitRecord, error) {
	state, err := b.GetState(ctx, provider)
	if err != nil {
		return nil, err
	}
	h, err := b.client.HGetAll(ctx, hashKey(provider))
	if err != nil {
		return nil, fmt.Errorf("circuit snapshot %s: %w", provider, err)
	}

	rec := &models.CircuitRecord{
		Provider: provider,
		State:    string(state),
		Forced:   h["forced"] == "1",
	}
	rec.Failures, _ = strconv.Atoi(h["failures"])
	rec.LastFailureAt = msTime(h["last_failure"])
	rec.LastSuccessAt = msTime(h["last_success"])
	return rec, nil
}

func msTime(v string) *time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func (b *Breaker) transition(provider string, from, to State) {
	b.logger.Info("circuit state change",
		zap.String("provider", provider),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	b.metrics.SetCircuitState(provider, to.gauge(), false)
}
