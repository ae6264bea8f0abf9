// Package learning records call outcomes against instance rows: quota
// counters, health, latency, blocks and the derived confidence score.
// Every update runs under the store's instance row lock.
package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/catalog"
	gwerrors "github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/store"
)

// Policy constants
const (
	successHealthGain = 2
	latencyAlpha      = 0.1

	quotaHealthPenalty   = 20
	rateLimitPenalty     = 5
	timeoutPenalty       = 10
	serverErrorPenalty   = 15
	unknownPenalty       = 10
	timeoutLatencyFactor = 1.5

	rateLimitBlock = 60 * time.Second
	softBlock      = 5 * time.Minute
	// consecutive timeouts or server errors before a soft block
	softBlockAfter = 3
)

// Block reasons written to block_reason
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonRateLimited   = "rate_limited"
	ReasonInvalidKey    = "invalid_key"
	ReasonModelNotFound = "model_not_found"
	ReasonTimeout       = "repeated_timeouts"
	ReasonServerError   = "repeated_server_errors"
)

// Store is the persistence the recorder needs
type Store interface {
	WithInstanceLock(ctx context.Context, instanceID string, fn func(tx store.InstanceTx) error) error
	ListInstanceIDs(ctx context.Context) ([]string, error)
	ClearExpiredBlocks(ctx context.Context, now time.Time) (int, error)
	ResetDailyQuotas(ctx context.Context) (int, error)
	ResetMinuteQuotas(ctx context.Context) (int, error)
	LogFailure(ctx context.Context, entry *models.FailureLog) error
}

// Breaker receives provider-level outcomes
type Breaker interface {
	RecordSuccess(ctx context.Context, provider string) error
	RecordFailure(ctx context.Context, provider string) error
}

// Failure describes one failed call
type Failure struct {
	Message           string
	Code              string
	LatencyMs         int64
	RetryAfterSeconds int
}

// Recorder applies the success and failure policies
type Recorder struct {
	store   Store
	catalog *catalog.Catalog
	breaker Breaker
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Recorder
type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New creates a Recorder. breaker may be nil.
func New(st Store, cat *catalog.Catalog, breaker Breaker, logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:   st,
		catalog: cat,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordSuccess spends quota and rewards the instance
func (r *Recorder) RecordSuccess(ctx context.Context, instanceID string, latencyMs int64, tokensUsed int) error {
	now := r.now()
	var provider string

	err := r.store.WithInstanceLock(ctx, instanceID, func(tx store.InstanceTx) error {
		inst, cred := tx.Instance(), tx.Credential()
		provider = inst.Provider

		inst.RemainingDaily = floor0(inst.RemainingDaily - 1)
		inst.RemainingMinute = floor0(inst.RemainingMinute - 1)
		inst.RemainingTokens -= int64(tokensUsed)
		if inst.RemainingTokens < 0 {
			inst.RemainingTokens = 0
		}
		inst.TotalRequests++
		inst.TotalSuccesses++
		inst.ConsecutiveFailures = 0
		inst.HealthScore = clampHealth(inst.HealthScore + successHealthGain)
		inst.AvgLatencyMs = ewma(inst.AvgLatencyMs, float64(latencyMs), inst.TotalRequests == 1)
		inst.LastSuccessAt = &now
		if inst.IsBlocked && !inst.BlockActive(now) {
			inst.Unblock()
		}
		inst.UpdatedAt = now

		cred.RequestsToday++
		cred.RequestsThisMinute++
		cred.RequestsThisMonth++
		cred.TokensUsed += int64(tokensUsed)
		cred.ConsecutiveFailures = 0
		cred.HealthScore = clampHealth(cred.HealthScore + successHealthGain)
		if cred.IsBlocked && !cred.BlockActive(now) {
			cred.Unblock()
		}
		cred.UpdatedAt = now

		inst.Confidence = Confidence(inst, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success %s: %w", instanceID, err)
	}

	if r.breaker != nil {
		if err := r.breaker.RecordSuccess(ctx, provider); err != nil {
			r.logger.Warn("circuit success not recorded", zap.String("provider", provider), zap.Error(err))
		}
	}
	return nil
}

// RecordFailure classifies the failure and applies its policy. It returns the class.
func (r *Recorder) RecordFailure(ctx context.Context, instanceID string, f Failure) (gwerrors.Class, error) {
	class := gwerrors.Classify(f.Message, f.Code)
	now := r.now()
	var inst models.Instance

	err := r.store.WithInstanceLock(ctx, instanceID, func(tx store.InstanceTx) error {
		if err := r.applyFailure(ctx, tx, class, f, now); err != nil {
			return err
		}
		inst = *tx.Instance()
		return nil
	})
	if err != nil {
		return class, fmt.Errorf("record failure %s: %w", instanceID, err)
	}

	r.metrics.RecordFailureClass(inst.Provider, string(class))
	r.logger.Warn("upstream failure recorded",
		zap.String("provider", inst.Provider),
		zap.String("model", inst.ModelID),
		zap.String("credential_id", inst.CredentialID),
		zap.String("instance_id", inst.ID),
		zap.String("class", string(class)),
		zap.String("error", f.Message),
		zap.Int("health", inst.HealthScore),
		zap.Float64("confidence", inst.Confidence),
	)

	entry := &models.FailureLog{
		ID:                r.newID(),
		InstanceID:        inst.ID,
		CredentialID:      inst.CredentialID,
		Provider:          inst.Provider,
		Model:             inst.ModelID,
		ErrorClass:        string(class),
		ErrorCode:         f.Code,
		ErrorMessage:      f.Message,
		LatencyMs:         f.LatencyMs,
		RetryAfterSeconds: f.RetryAfterSeconds,
		CreatedAt:         now,
	}
	if err := r.store.LogFailure(ctx, entry); err != nil {
		r.logger.Error("failure log write failed", zap.String("instance_id", inst.ID), zap.Error(err))
	}

	if class.Systemic() && r.breaker != nil {
		if err := r.breaker.RecordFailure(ctx, inst.Provider); err != nil {
			r.logger.Warn("circuit failure not recorded", zap.String("provider", inst.Provider), zap.Error(err))
		}
	}
	return class, nil
}

func (r *Recorder) applyFailure(ctx context.Context, tx store.InstanceTx, class gwerrors.Class, f Failure, now time.Time) error {
	inst, cred := tx.Instance(), tx.Credential()
	reason := string(class)

	// credential backoff counts the failures before this one
	priorCredFailures := cred.ConsecutiveFailures

	inst.TotalRequests++
	inst.TotalFailures++
	inst.ConsecutiveFailures++
	inst.LastFailureAt = &now
	inst.LastFailureReason = &reason
	inst.UpdatedAt = now
	cred.ConsecutiveFailures++
	cred.UpdatedAt = now

	switch class {
	case gwerrors.ClassQuotaExceeded:
		d := time.Duration(f.RetryAfterSeconds) * time.Second
		if d <= 0 {
			d = r.catalog.ResetPolicy(inst.Provider).BlockDuration(now, priorCredFailures)
		}
		until := now.Add(d)
		cred.Block(&until, ReasonQuotaExceeded)
		cred.HealthScore = clampHealth(cred.HealthScore - quotaHealthPenalty)
		inst.HealthScore = clampHealth(inst.HealthScore - quotaHealthPenalty)
		exhaust(inst, until)

		siblings, err := tx.Siblings(ctx)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			exhaust(sib, until)
			sib.UpdatedAt = now
			sib.Confidence = Confidence(sib, now)
		}
		r.logger.Warn("credential quota exhausted",
			zap.String("provider", inst.Provider),
			zap.String("credential_id", cred.ID),
			zap.Time("block_until", until),
			zap.Int("instances", len(siblings)+1),
		)

	case gwerrors.ClassRateLimited:
		until := now.Add(rateLimitBlock)
		inst.Block(&until, ReasonRateLimited)
		inst.RemainingMinute = 0
		inst.HealthScore = clampHealth(inst.HealthScore - rateLimitPenalty)

	case gwerrors.ClassInvalidKey:
		cred.IsActive = false
		cred.Block(nil, ReasonInvalidKey)
		inst.Block(nil, ReasonInvalidKey)
		siblings, err := tx.Siblings(ctx)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			sib.Block(nil, ReasonInvalidKey)
			sib.UpdatedAt = now
			sib.Confidence = 0
		}
		r.logger.Error("credential deactivated",
			zap.String("provider", inst.Provider),
			zap.String("credential_id", cred.ID),
			zap.String("error", f.Message),
		)

	case gwerrors.ClassModelNotFound:
		inst.Block(nil, ReasonModelNotFound)

	case gwerrors.ClassContentFilter:
		inst.ConsecutiveFailures--
		cred.ConsecutiveFailures--

	case gwerrors.ClassTimeout:
		if inst.AvgLatencyMs > 0 {
			inst.AvgLatencyMs *= timeoutLatencyFactor
		} else {
			inst.AvgLatencyMs = float64(f.LatencyMs)
		}
		inst.HealthScore = clampHealth(inst.HealthScore - timeoutPenalty)
		if inst.ConsecutiveFailures >= softBlockAfter {
			until := now.Add(softBlock)
			inst.Block(&until, ReasonTimeout)
		}

	case gwerrors.ClassServerError:
		inst.HealthScore = clampHealth(inst.HealthScore - serverErrorPenalty)
		if inst.ConsecutiveFailures >= softBlockAfter {
			until := now.Add(softBlock)
			inst.Block(&until, ReasonServerError)
		}

	default:
		inst.HealthScore = clampHealth(inst.HealthScore - unknownPenalty)
	}

	inst.Confidence = Confidence(inst, now)
	return nil
}

// exhaust zeroes an instance's remaining quota and blocks it with its credential
func exhaust(inst *models.Instance, until time.Time) {
	inst.RemainingDaily = 0
	inst.RemainingMinute = 0
	u := until
	inst.Block(&u, ReasonQuotaExceeded)
}

func ewma(avg, sample float64, first bool) float64 {
	if first || avg == 0 {
		return sample
	}
	return (1-latencyAlpha)*avg + latencyAlpha*sample
}

func floor0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
