// Package dispatch drives one logical completion through the cache, the
// selector's fallback chain, quota reservation, the circuit breaker, the
// adapter call with bounded retries, and outcome recording.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/catalog"
	gwerrors "github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/learning"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/selector"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

const tracerName = "github.com/mrmushfiq/llm0-smart-gateway/dispatch"

// adapterTTL bounds how long a decrypted credential's adapter is reused
const adapterTTL = 10 * time.Minute

// Selector ranks candidates
type Selector interface {
	FindBest(ctx context.Context, c selector.Criteria) (*selector.Selection, error)
}

// Limiter reserves quota
type Limiter interface {
	Reserve(ctx context.Context, scope string, minuteLimit, dailyLimit int) (*ratelimit.Reservation, error)
	Release(ctx context.Context, r *ratelimit.Reservation) error
}

// Breaker gates providers
type Breaker interface {
	IsAvailable(ctx context.Context, provider string) (bool, error)
	ReleaseProbe(ctx context.Context, provider string) error
}

// Recorder applies outcome policies
type Recorder interface {
	RecordSuccess(ctx context.Context, instanceID string, latencyMs int64, tokensUsed int) error
	RecordFailure(ctx context.Context, instanceID string, f learning.Failure) (gwerrors.Class, error)
}

// ResponseCache is the content-addressed cache
type ResponseCache interface {
	Get(ctx context.Context, req cache.Request) (*cache.Entry, bool)
	Set(ctx context.Context, req cache.Request, entry *cache.Entry) error
}

// AdapterFactory builds provider adapters
type AdapterFactory interface {
	New(ctx context.Context, provider, secret string) (providers.Adapter, error)
}

// SecretOpener decrypts stored credential secrets
type SecretOpener interface {
	Open(data []byte) (string, error)
}

// UsageLogger is the usage log sink
type UsageLogger interface {
	LogUsage(ctx context.Context, entry *models.UsageLog) error
}

// Request is one inbound completion
type Request struct {
	UserID               string
	Messages             []providers.Message
	MaxTokens            int
	Temperature          *float32
	PreferredProvider    string
	PreferredModel       string
	RequiredCapabilities []string
	QualityTier          string
	RequestType          string
}

// Result is a successful completion
type Result struct {
	RequestID  string
	Content    string
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
	LatencyMs  int64
	Cached     bool
	CostUSD    decimal.Decimal
	Attempts   int
	Confidence float64
	Warning    string
}

// Config tunes the loop
type Config struct {
	// Backoff holds the delay before each retry of the same candidate
	Backoff        []time.Duration
	RequestTimeout time.Duration
	CacheEnabled   bool
}

// DefaultConfig retries three times (1s, 2s, 4s) with a 60s upstream timeout
func DefaultConfig() Config {
	return Config{
		Backoff:        []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		RequestTimeout: 60 * time.Second,
		CacheEnabled:   true,
	}
}

// Deps are the collaborators of a Dispatcher. Cache may be nil.
type Deps struct {
	Selector Selector
	Limiter  Limiter
	Breaker  Breaker
	Recorder Recorder
	Cache    ResponseCache
	Adapters AdapterFactory
	Secrets  SecretOpener
	Usage    UsageLogger
	Catalog  *catalog.Catalog
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Dispatcher runs completions. It is safe for concurrent use.
type Dispatcher struct {
	deps     Deps
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	group    singleflight.Group
	adapters *gocache.Cache
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	newID    func() string
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithSleep replaces the backoff sleep
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher
func New(deps Deps, cfg Config, opts ...Option) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultConfig().Backoff
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer(tracerName),
		adapters: gocache.New(adapterTTL, 2*adapterTTL),
		sleep:    sleepCtx,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var validRoles = map[string]bool{
	providers.RoleSystem:    true,
	providers.RoleUser:      true,
	providers.RoleAssistant: true,
}

// Validate rejects malformed requests before any state is touched
func Validate(req Request) error {
	if strings.TrimSpace(req.UserID) == "" {
		return gwerrors.InvalidRequest("caller identity is required")
	}
	if len(req.Messages) == 0 {
		return gwerrors.InvalidRequest("messages must not be empty")
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return gwerrors.InvalidRequest("messages[%d]: unknown role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return gwerrors.InvalidRequest("messages[%d]: content must not be empty", i)
		}
	}
	if req.MaxTokens < 0 {
		return gwerrors.InvalidRequest("max_tokens must not be negative")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return gwerrors.InvalidRequest("temperature must be between 0 and 2")
	}
	if req.QualityTier != "" && !catalog.ValidTier(req.QualityTier) {
		return gwerrors.InvalidRequest("unknown quality tier %q", req.QualityTier)
	}
	for _, c := range req.RequiredCapabilities {
		if c != catalog.CapabilityJSONMode && c != catalog.CapabilityVision {
			return gwerrors.InvalidRequest("unknown capability %q", c)
		}
	}
	switch req.RequestType {
	case "", selector.RequestTypeChat, selector.RequestTypeJSON, selector.RequestTypeVision:
	default:
		return gwerrors.InvalidRequest("unknown request type %q", req.RequestType)
	}
	return nil
}

func (d *Dispatcher) cacheEnabled() bool {
	return d.cfg.CacheEnabled && d.deps.Cache != nil
}

func cacheRequest(req Request) cache.Request {
	return cache.Request{
		Messages: req.Messages,
		Model:    req.PreferredModel,
		Provider: req.PreferredProvider,
	}
}

// Complete runs one completion. Errors are always *gwerrors.GatewayError.
func (d *Dispatcher) Complete(ctx context.Context, req Request) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "gateway.complete",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID),
			attribute.Int("messages", len(req.Messages)),
		))
	defer span.End()

	res, err := d.collapse(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("llm.provider", res.Provider),
		attribute.String("llm.model", res.Model),
		attribute.Bool("cached", res.Cached),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// collapse shares one in-flight execution between identical requests of the same caller
func (d *Dispatcher) collapse(ctx context.Context, req Request) (*Result, error) {
	key, err := flightKey(req)
	if err != nil {
		return d.run(ctx, req)
	}

	leader := false
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		leader = true
		return d.run(ctx, req)
	})
	if leader {
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	}

	if err != nil {
		// the leader's caller went away; this caller is still waiting
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return d.run(ctx, req)
		}
		return nil, err
	}

	shared := *v.(*Result)
	shared.RequestID = d.newID()
	shared.Cached = true
	shared.TokensIn, shared.TokensOut, shared.LatencyMs = 0, 0, 0
	shared.CostUSD = decimal.Zero
	shared.Attempts = 0
	d.logCached(ctx, req, shared.RequestID, shared.Provider, shared.Model)
	d.metrics.RecordRequest(shared.Provider, shared.Model, "cached")
	return &shared, nil
}

func flightKey(req Request) (string, error) {
	k, err := cache.Key(cacheRequest(req))
	if err != nil {
		return "", err
	}
	var temp string
	if req.Temperature != nil {
		temp = fmt.Sprintf("%.3f", *req.Temperature)
	}
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s", req.UserID, k, req.MaxTokens, temp,
		req.QualityTier, req.RequestType, strings.Join(req.RequiredCapabilities, ",")), nil
}

func (d *Dispatcher) run(ctx context.Context, req Request) (*Result, error) {
	requestID := d.newID()

	if d.cacheEnabled() {
		if entry, ok := d.deps.Cache.Get(ctx, cacheRequest(req)); ok {
			d.logCached(ctx, req, requestID, entry.Provider, entry.Model)
			d.metrics.RecordRequest(entry.Provider, entry.Model, "cached")
			return &Result{
				RequestID: requestID,
				Content:   entry.Content,
				Provider:  entry.Provider,
				Model:     entry.Model,
				Cached:    true,
				CostUSD:   decimal.Zero,
			}, nil
		}
	}

	sel, err := d.deps.Selector.FindBest(ctx, selector.Criteria{
		UserID:               req.UserID,
		RequestType:          req.RequestType,
		RequiredCapabilities: req.RequiredCapabilities,
		QualityTier:          req.QualityTier,
		PreferredProvider:    req.PreferredProvider,
		PreferredModel:       req.PreferredModel,
	})
	if err != nil {
		d.logger.Error("selector failed", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, gwerrors.Internal(err)
	}
	if len(sel.Chain) == 0 {
		d.logger.Warn("no eligible instances", zap.String("user_id", req.UserID), zap.String("warning", sel.Warning))
		d.metrics.RecordRequest("", "", "exhausted")
		reason := sel.Warning
		if reason == "" {
			reason = "no eligible instances"
		}
		return nil, gwerrors.AllProvidersExhausted(errors.New(reason), gwerrors.ClassUnknown, true)
	}
	if sel.Warning != "" {
		d.logger.Info("low confidence selection", zap.String("user_id", req.UserID), zap.String("warning", sel.Warning))
	}

	run := &chainRun{
		d:         d,
		req:       req,
		requestID: requestID,
		dropped:   make(map[string]bool),
		capacity:  true,
	}
	res, err := run.walk(ctx, sel.Chain)
	if err != nil {
		return nil, err
	}
	res.Confidence = sel.Confidence
	res.Warning = sel.Warning

	if d.cacheEnabled() {
		entry := &cache.Entry{
			Content:   res.Content,
			Provider:  res.Provider,
			Model:     res.Model,
			TokensIn:  res.TokensIn,
			TokensOut: res.TokensOut,
			CreatedAt: d.now(),
		}
		if err := d.deps.Cache.Set(context.WithoutCancel(ctx), cacheRequest(req), entry); err != nil {
			d.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	return res, nil
}

func (d *Dispatcher) logCached(ctx context.Context, req Request, requestID, provider, model string) {
	d.logUsage(ctx, &models.UsageLog{
		ID:        d.newID(),
		RequestID: requestID,
		UserID:    req.UserID,
		Provider:  provider,
		Model:     model,
		Status:    models.StatusSuccess,
		Cached:    true,
		CostUSD:   decimal.Zero,
		CreatedAt: d.now(),
	})
}

func (d *Dispatcher) logUsage(ctx context.Context, entry *models.UsageLog) {
	if d.deps.Usage == nil {
		return
	}
	if err := d.deps.Usage.LogUsage(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Error("usage log write failed", zap.String("request_id", entry.RequestID), zap.Error(err))
	}
}

func (d *Dispatcher) adapterFor(ctx context.Context, cred *models.Credential) (providers.Adapter, error) {
	if a, ok := d.adapters.Get(cred.ID); ok {
		return a.(providers.Adapter), nil
	}
	secret, err := d.deps.Secrets.Open(cred.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", cred.ID, err)
	}
	a, err := d.deps.Adapters.New(ctx, cred.Provider, secret)
	if err != nil {
		return nil, fmt.Errorf("adapter for credential %s: %w", cred.ID, err)
	}
	d.adapters.SetDefault(cred.ID, a)
	return a, nil
}

func usageStatus(class gwerrors.Class) string {
	switch class {
	case gwerrors.ClassQuotaExceeded:
		return models.StatusQuotaExceeded
	case gwerrors.ClassRateLimited:
		return models.StatusRateLimited
	case gwerrors.ClassTimeout:
		return models.StatusTimeout
	}
	return models.StatusError
}
