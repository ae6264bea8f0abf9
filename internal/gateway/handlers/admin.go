package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/catalog"
	gwerrors "github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

// CircuitAdmin is the operator view of the breakers
type CircuitAdmin interface {
	Snapshot(ctx context.Context, provider string) (*models.CircuitRecord, error)
	ForceOpen(ctx context.Context, provider string) error
	ForceClose(ctx context.Context, provider string) error
}

// Maintenance runs the scheduled jobs on demand
type Maintenance interface {
	RefreshBlocked(ctx context.Context) (int, error)
	ResetDailyQuotas(ctx context.Context) (int, error)
	ResetMinuteQuotas(ctx context.Context) (int, error)
}

// AdapterFactory builds an adapter to validate a new credential
type AdapterFactory interface {
	Supports(provider string) bool
	New(ctx context.Context, provider, secret string) (providers.Adapter, error)
}

// Sealer encrypts credential secrets at rest
type Sealer interface {
	Seal(plaintext string) ([]byte, error)
}

// CredentialStore persists credentials
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *models.Credential) error
}

// Materializer creates the instance rows of new credentials
type Materializer interface {
	Materialize(ctx context.Context, creds []*models.Credential) (int, error)
}

// QuotaReader reports the counters of one limiter scope
type QuotaReader interface {
	Usage(ctx context.Context, scope string) (minute, daily int64, err error)
}

// AdminDeps are the collaborators of the admin routes
type AdminDeps struct {
	Circuits     CircuitAdmin
	Maintenance  Maintenance
	Adapters     AdapterFactory
	Sealer       Sealer
	Credentials  CredentialStore
	Materializer Materializer
	Quotas       QuotaReader
	Catalog      *catalog.Catalog
	Logger       *zap.Logger
}

type AdminHandler struct {
	deps   AdminDeps
	logger *zap.Logger
	now    func() time.Time
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{deps: deps, logger: logger, now: time.Now}
}

// Routes mounts the admin endpoints
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/circuits/{provider}", h.GetCircuit)
	r.Post("/circuits/{provider}/open", h.OpenCircuit)
	r.Post("/circuits/{provider}/close", h.CloseCircuit)

	r.Post("/maintenance/refresh-blocked", h.maintenance("refresh_blocked", h.deps.Maintenance.RefreshBlocked))
	r.Post("/maintenance/reset-daily", h.maintenance("reset_daily", h.deps.Maintenance.ResetDailyQuotas))
	r.Post("/maintenance/reset-minute", h.maintenance("reset_minute", h.deps.Maintenance.ResetMinuteQuotas))

	r.Post("/credentials", h.CreateCredential)
	if h.deps.Quotas != nil {
		r.Get("/quotas/{scope}", h.GetQuota)
	}
}

// GetQuota reports the live minute and daily counters of a limiter scope
// such as "caller:alice", "instance:<id>" or a bare credential ID.
func (h *AdminHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	minute, daily, err := h.deps.Quotas.Usage(r.Context(), scope)
	if err != nil {
		writeError(w, gwerrors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scope": scope, "minute": minute, "daily": daily})
}

func (h *AdminHandler) GetCircuit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Circuits.Snapshot(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, gwerrors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminHandler) OpenCircuit(w http.ResponseWriter, r *http.Request) {
	h.forceCircuit(w, r, h.deps.Circuits.ForceOpen, "opened")
}

func (h *AdminHandler) CloseCircuit(w http.ResponseWriter, r *http.Request) {
	h.forceCircuit(w, r, h.deps.Circuits.ForceClose, "closed")
}

func (h *AdminHandler) forceCircuit(w http.ResponseWriter, r *http.Request, force func(context.Context, string) error, action string) {
	provider := chi.URLParam(r, "provider")
	if err := force(r.Context(), provider); err != nil {
		writeError(w, gwerrors.Internal(err))
		return
	}
	h.logger.Warn("circuit "+action+" by operator", zap.String("provider", provider))

	rec, err := h.deps.Circuits.Snapshot(r.Context(), provider)
	if err != nil {
		writeError(w, gwerrors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminHandler) maintenance(job string, run func(context.Context) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := run(r.Context())
		if err != nil {
			h.logger.Error("maintenance job failed", zap.String("job", job), zap.Error(err))
			writeError(w, gwerrors.Internal(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"job": job, "updated": n})
	}
}

// CreateCredentialRequest registers a provider secret for a user
type CreateCredentialRequest struct {
	UserID      string `json:"user_id"`
	Provider    string `json:"provider"`
	Secret      string `json:"secret"`
	DailyQuota  int    `json:"daily_quota,omitempty"`
	MinuteQuota int    `json:"minute_quota,omitempty"`
}

// CredentialResponse never includes the secret
type CredentialResponse struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Provider    string `json:"provider"`
	DailyQuota  int    `json:"daily_quota"`
	MinuteQuota int    `json:"minute_quota"`
	Instances   int    `json:"instances"`
	Message     string `json:"message"`
}

// CreateCredential validates the secret against the provider, encrypts and
// stores it, and creates its instance rows
func (h *AdminHandler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req CreateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.InvalidRequest("invalid request body: %v", err))
		return
	}
	if req.UserID == "" {
		req.UserID = strings.TrimSpace(r.Header.Get(UserIDHeader))
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))

	switch {
	case req.UserID == "":
		writeError(w, gwerrors.InvalidRequest("user_id is required"))
		return
	case req.Secret == "":
		writeError(w, gwerrors.InvalidRequest("secret is required"))
		return
	case !h.deps.Adapters.Supports(req.Provider):
		writeError(w, gwerrors.InvalidRequest("unsupported provider %q", req.Provider))
		return
	case req.DailyQuota < 0 || req.MinuteQuota < 0:
		writeError(w, gwerrors.InvalidRequest("quotas must not be negative"))
		return
	}

	if p, ok := h.deps.Catalog.Provider(req.Provider); ok {
		if req.DailyQuota == 0 {
			req.DailyQuota = p.DailyQuota
		}
		if req.MinuteQuota == 0 {
			req.MinuteQuota = p.MinuteQuota
		}
	}

	ctx := r.Context()
	adapter, err := h.deps.Adapters.New(ctx, req.Provider, req.Secret)
	if err != nil {
		writeError(w, gwerrors.InvalidRequest("%v", err))
		return
	}
	valid, msg := adapter.ValidateCredential(ctx)
	if !valid {
		h.logger.Info("credential rejected by provider",
			zap.String("user_id", req.UserID),
			zap.String("provider", req.Provider),
			zap.String("reason", msg))
		writeJSON(w, http.StatusUnprocessableEntity, ErrorBody{Error: ErrorDetail{
			Message: msg,
			Type:    "invalid_credential",
		}})
		return
	}

	sealed, err := h.deps.Sealer.Seal(req.Secret)
	if err != nil {
		writeError(w, gwerrors.Internal(err))
		return
	}

	now := h.now()
	cred := &models.Credential{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Provider:        req.Provider,
		EncryptedSecret: sealed,
		DailyQuota:      req.DailyQuota,
		MinuteQuota:     req.MinuteQuota,
		HealthScore:     models.MaxHealth,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.deps.Credentials.CreateCredential(ctx, cred); err != nil {
		writeError(w, gwerrors.Internal(err))
		return
	}

	n, err := h.deps.Materializer.Materialize(ctx, []*models.Credential{cred})
	if err != nil {
		// instances are created lazily on the next selection
		h.logger.Warn("instance materialization failed", zap.String("credential_id", cred.ID), zap.Error(err))
	}

	h.logger.Info("credential registered",
		zap.String("credential_id", cred.ID),
		zap.String("user_id", cred.UserID),
		zap.String("provider", cred.Provider),
		zap.Int("instances", n))

	writeJSON(w, http.StatusCreated, CredentialResponse{
		ID:          cred.ID,
		UserID:      cred.UserID,
		Provider:    cred.Provider,
		DailyQuota:  cred.DailyQuota,
		MinuteQuota: cred.MinuteQuota,
		Instances:   n,
		Message:     msg,
	})
}
