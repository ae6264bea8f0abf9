package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	gwerrors "github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/learning"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/selector"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

// chainRun is the state of one walk over a fallback chain
type chainRun struct {
	d         *Dispatcher
	req       Request
	requestID string
	attempts  int

	// credentials blocked (invalid or out of quota) during this walk
	dropped map[string]bool

	last      error
	lastClass gwerrors.Class
	// stays true while every candidate failed for lack of capacity
	capacity bool
}

// walk tries each candidate in order and returns the first success
func (r *chainRun) walk(ctx context.Context, chain []selector.Candidate) (*Result, error) {
	for _, cand := range chain {
		if err := ctx.Err(); err != nil {
			return nil, gwerrors.Internal(err)
		}
		if r.dropped[cand.Credential.ID] {
			continue
		}

		res, err := r.try(ctx, cand)
		if res != nil {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
	}

	r.d.metrics.RecordRequest("", "", "exhausted")
	r.d.logger.Warn("fallback chain exhausted",
		zap.String("request_id", r.requestID),
		zap.String("user_id", r.req.UserID),
		zap.Int("attempts", r.attempts),
		zap.String("last_class", string(r.lastClass)),
		zap.Error(r.last))

	class := r.lastClass
	if class == "" {
		class = gwerrors.ClassUnknown
	}
	return nil, gwerrors.AllProvidersExhausted(r.last, class, r.capacity)
}

// try runs one candidate. It returns a result on success, a terminal error when
// the caller went away, and (nil, nil) when the walk should advance.
func (r *chainRun) try(ctx context.Context, cand selector.Candidate) (*Result, error) {
	d := r.d
	inst, cred := cand.Instance, cand.Credential
	log := d.logger.With(
		zap.String("request_id", r.requestID),
		zap.String("provider", inst.Provider),
		zap.String("model", inst.ModelID),
		zap.String("credential_id", cred.ID),
		zap.String("instance_id", inst.ID))

	ctx, span := d.tracer.Start(ctx, "gateway.attempt", trace.WithAttributes(
		attribute.String("llm.provider", inst.Provider),
		attribute.String("llm.model", inst.ModelID),
		attribute.String("instance.id", inst.ID),
		attribute.Float64("score", cand.Score),
	))
	defer span.End()

	credRes, err := d.deps.Limiter.Reserve(ctx, cred.ID, cred.MinuteQuota, cred.DailyQuota)
	if err != nil {
		log.Warn("quota reservation failed", zap.Error(err))
		r.skip(err, gwerrors.ClassUnknown, false)
		return nil, nil
	}
	if !credRes.Allowed {
		r.skip(errors.New("credential quota exhausted"), gwerrors.ClassRateLimited, true)
		span.SetStatus(codes.Error, "credential quota")
		return nil, nil
	}
	instRes, err := d.deps.Limiter.Reserve(ctx, ratelimit.InstanceScope(inst.ID), inst.MinuteQuota, 0)
	if err != nil || !instRes.Allowed {
		r.release(ctx, credRes, instRes)
		if err != nil {
			log.Warn("quota reservation failed", zap.Error(err))
			r.skip(err, gwerrors.ClassUnknown, false)
		} else {
			r.skip(errors.New("instance minute quota exhausted"), gwerrors.ClassRateLimited, true)
		}
		span.SetStatus(codes.Error, "instance quota")
		return nil, nil
	}

	available, err := d.deps.Breaker.IsAvailable(ctx, inst.Provider)
	if err != nil {
		log.Warn("circuit read failed, proceeding", zap.Error(err))
		available = true
	}
	if !available {
		r.release(ctx, credRes, instRes)
		r.skip(errors.New("circuit open for "+inst.Provider), gwerrors.ClassServerError, false)
		span.SetStatus(codes.Error, "circuit open")
		return nil, nil
	}

	adapter, err := d.adapterFor(ctx, cred)
	if err != nil {
		r.release(ctx, credRes, instRes)
		r.releaseProbe(ctx, inst.Provider)
		log.Error("adapter unavailable", zap.Error(err))
		r.skip(err, gwerrors.ClassUnknown, false)
		span.RecordError(err)
		return nil, nil
	}

	resp, cancelled := r.call(ctx, adapter, inst, log)
	if cancelled {
		r.release(ctx, credRes, instRes)
		r.releaseProbe(ctx, inst.Provider)
		log.Info("caller cancelled, stopping fallback", zap.Error(ctx.Err()))
		span.SetStatus(codes.Error, "cancelled")
		return nil, gwerrors.Internal(ctx.Err())
	}

	if resp.Success {
		span.SetStatus(codes.Ok, "")
		return r.succeed(ctx, cand, resp, log), nil
	}

	r.release(ctx, credRes, instRes)
	r.fail(ctx, cand, resp, log)
	span.SetStatus(codes.Error, resp.Error)
	return nil, nil
}

// call invokes the adapter with the retry schedule. cancelled is true when the
// caller's context ended; resp is then meaningless.
func (r *chainRun) call(ctx context.Context, adapter providers.Adapter, inst *models.Instance, log *zap.Logger) (resp *providers.Response, cancelled bool) {
	d := r.d
	creq := providers.CompletionRequest{
		Messages:    r.req.Messages,
		Model:       inst.ModelID,
		MaxTokens:   r.req.MaxTokens,
		Temperature: r.req.Temperature,
		JSONMode:    r.req.RequestType == selector.RequestTypeJSON,
	}

	for attempt := 0; ; attempt++ {
		r.attempts++
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		resp = adapter.Complete(callCtx, creq)
		cancel()

		if ctx.Err() != nil {
			return nil, true
		}
		d.metrics.ObserveUpstreamLatency(inst.Provider, time.Duration(resp.LatencyMs)*time.Millisecond)
		if resp.Success {
			d.metrics.RecordAttempt(inst.Provider, "success")
			return resp, false
		}

		permanent := gwerrors.IsPermanent(resp.StatusCode, resp.Error) ||
			!gwerrors.Classify(resp.Error, statusCode(resp.StatusCode)).Systemic()
		if permanent || attempt >= len(d.cfg.Backoff) {
			d.metrics.RecordAttempt(inst.Provider, "failure")
			return resp, false
		}

		d.metrics.RecordAttempt(inst.Provider, "retry")
		delay := d.cfg.Backoff[attempt]
		log.Debug("retrying candidate",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Int("status", resp.StatusCode),
			zap.String("error", resp.Error))
		if err := d.sleep(ctx, delay); err != nil {
			return nil, true
		}
	}
}

func statusCode(status int) string {
	return (&gwerrors.UpstreamError{StatusCode: status}).Code()
}

func (r *chainRun) succeed(ctx context.Context, cand selector.Candidate, resp *providers.Response, log *zap.Logger) *Result {
	d := r.d
	inst := cand.Instance
	bg := context.WithoutCancel(ctx)

	model := resp.Model
	if _, ok := d.deps.Catalog.Model(inst.Provider, model); !ok {
		model = inst.ModelID
	}
	cost := d.deps.Catalog.Cost(inst.Provider, model, resp.TokensIn, resp.TokensOut)

	if err := d.deps.Recorder.RecordSuccess(bg, inst.ID, resp.LatencyMs, resp.TokensIn+resp.TokensOut); err != nil {
		log.Error("failed to record success", zap.Error(err))
		r.releaseProbe(ctx, inst.Provider)
	}

	credID, instID := inst.CredentialID, inst.ID
	d.logUsage(ctx, &models.UsageLog{
		ID:           d.newID(),
		RequestID:    r.requestID,
		UserID:       r.req.UserID,
		CredentialID: &credID,
		InstanceID:   &instID,
		Provider:     inst.Provider,
		Model:        model,
		Status:       models.StatusSuccess,
		TokensIn:     resp.TokensIn,
		TokensOut:    resp.TokensOut,
		LatencyMs:    resp.LatencyMs,
		CostUSD:      cost,
		CreatedAt:    d.now(),
	})
	d.metrics.RecordRequest(inst.Provider, model, models.StatusSuccess)

	log.Info("completion served",
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
		zap.String("cost_usd", cost.String()))

	return &Result{
		RequestID: r.requestID,
		Content:   resp.Content,
		Provider:  inst.Provider,
		Model:     model,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		LatencyMs: resp.LatencyMs,
		CostUSD:   cost,
		Attempts:  r.attempts,
	}
}

func (r *chainRun) fail(ctx context.Context, cand selector.Candidate, resp *providers.Response, log *zap.Logger) {
	d := r.d
	inst := cand.Instance
	bg := context.WithoutCancel(ctx)

	upstream := &gwerrors.UpstreamError{
		Provider:          inst.Provider,
		Model:             inst.ModelID,
		Message:           resp.Error,
		StatusCode:        resp.StatusCode,
		RetryAfterSeconds: resp.RetryAfterSeconds,
	}

	class, err := d.deps.Recorder.RecordFailure(bg, inst.ID, learning.Failure{
		Message:           resp.Error,
		Code:              upstream.Code(),
		LatencyMs:         resp.LatencyMs,
		RetryAfterSeconds: resp.RetryAfterSeconds,
	})
	if err != nil {
		log.Error("failed to record failure", zap.Error(err))
		class = upstream.Class()
		r.releaseProbe(ctx, inst.Provider)
	} else if !class.Systemic() {
		// only systemic failures reach the breaker
		r.releaseProbe(ctx, inst.Provider)
	}

	credID, instID := inst.CredentialID, inst.ID
	msg := resp.Error
	d.logUsage(ctx, &models.UsageLog{
		ID:           d.newID(),
		RequestID:    r.requestID,
		UserID:       r.req.UserID,
		CredentialID: &credID,
		InstanceID:   &instID,
		Provider:     inst.Provider,
		Model:        inst.ModelID,
		Status:       usageStatus(class),
		LatencyMs:    resp.LatencyMs,
		CostUSD:      decimal.Zero,
		ErrorMessage: &msg,
		CreatedAt:    d.now(),
	})
	d.metrics.RecordRequest(inst.Provider, inst.ModelID, usageStatus(class))

	if class == gwerrors.ClassInvalidKey || class == gwerrors.ClassQuotaExceeded {
		r.dropped[inst.CredentialID] = true
	}
	r.skip(upstream, class, class.CapacityRelated())
}

// skip records why a candidate was passed over
func (r *chainRun) skip(err error, class gwerrors.Class, capacity bool) {
	r.last = err
	r.lastClass = class
	if !capacity {
		r.capacity = false
	}
}

func (r *chainRun) release(ctx context.Context, reservations ...*ratelimit.Reservation) {
	bg := context.WithoutCancel(ctx)
	for _, res := range reservations {
		if err := r.d.deps.Limiter.Release(bg, res); err != nil {
			r.d.logger.Warn("quota release failed", zap.String("request_id", r.requestID), zap.Error(err))
		}
	}
}

// releaseProbe frees a half-open probe slot the breaker will not hear back about
func (r *chainRun) releaseProbe(ctx context.Context, provider string) {
	if err := r.d.deps.Breaker.ReleaseProbe(context.WithoutCancel(ctx), provider); err != nil {
		r.d.logger.Warn("circuit probe release failed", zap.String("request_id", r.requestID), zap.Error(err))
	}
}
