// Package selector ranks a caller's (credential, model) instances and builds
// a provider-diversified fallback chain.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/circuit"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

const (
	// DefaultMaxCandidates is the primary plus four alternates
	DefaultMaxCandidates = 5
	// HighConfidence is the score below which a selection carries a warning
	HighConfidence = 0.99
)

// Request types that imply a capability
const (
	RequestTypeChat   = "chat"
	RequestTypeVision = "vision"
	RequestTypeJSON   = "json"
)

// Store is what the selector reads (and lazily writes) instances through
type Store interface {
	ListCredentials(ctx context.Context, userID string) ([]*models.Credential, error)
	ListInstances(ctx context.Context, userID string) ([]*models.Instance, error)
	CreateInstances(ctx context.Context, instances []*models.Instance) error
}

// CircuitReader exposes provider breaker state
type CircuitReader interface {
	GetState(ctx context.Context, provider string) (circuit.State, error)
}

// Criteria narrows the instances considered for one request
type Criteria struct {
	UserID               string
	RequestType          string
	RequiredCapabilities []string
	QualityTier          string
	ExcludedProviders    []string
	PreferredProvider    string
	PreferredModel       string
}

// Candidate is one entry of the fallback chain
type Candidate struct {
	Instance   *models.Instance
	Credential *models.Credential
	Model      *catalog.Model
	Score      float64
}

// Selection is the ranked, diversified chain
type Selection struct {
	Chain      []Candidate
	Confidence float64
	Warning    string
}

// Selector scores instances; it holds no per-request state
type Selector struct {
	store         Store
	catalog       *catalog.Catalog
	circuits      CircuitReader
	logger        *zap.Logger
	metrics       *metrics.Metrics
	maxCandidates int
	now           func() time.Time
	newID         func() string
}

// Option configures a Selector
type Option func(*Selector)

func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

func WithMaxCandidates(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.maxCandidates = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

// New creates a Selector
func New(store Store, cat *catalog.Catalog, circuits CircuitReader, logger *zap.Logger, opts ...Option) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		store:         store,
		catalog:       cat,
		circuits:      circuits,
		logger:        logger,
		maxCandidates: DefaultMaxCandidates,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindBest returns the fallback chain for c. An empty chain means nothing is eligible.
func (s *Selector) FindBest(ctx context.Context, c Criteria) (*Selection, error) {
	creds, err := s.store.ListCredentials(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	if len(creds) == 0 {
		return &Selection{Warning: "no provider credentials configured"}, nil
	}

	candidates, err := s.eligible(ctx, c, creds)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		created, err := s.Materialize(ctx, creds)
		if err != nil {
			return nil, err
		}
		if created > 0 {
			s.logger.Info("materialized instances", zap.String("user_id", c.UserID), zap.Int("count", created))
			if candidates, err = s.eligible(ctx, c, creds); err != nil {
				return nil, err
			}
		}
	}

	sel := s.rank(candidates)
	s.metrics.ObserveConfidence(sel.Confidence)
	return sel, nil
}

// Materialize creates instance rows for every catalog model of each active
// credential's provider; existing credential×model pairs are left alone.
func (s *Selector) Materialize(ctx context.Context, creds []*models.Credential) (int, error) {
	existing, err := s.store.ListInstances(ctx, creds[0].UserID)
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, inst := range existing {
		have[inst.CredentialID+"|"+inst.ModelID] = true
	}

	now := s.now()
	var rows []*models.Instance
	for _, cred := range creds {
		if !cred.IsActive {
			continue
		}
		p, ok := s.catalog.Provider(cred.Provider)
		if !ok {
			continue
		}
		for _, m := range p.Models {
			if have[cred.ID+"|"+m.ID] {
				continue
			}
			rows = append(rows, models.NewInstance(s.newID(), cred, m.ID, p.DailyTokenQuota, now))
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.store.CreateInstances(ctx, rows); err != nil {
		return 0, fmt.Errorf("create instances: %w", err)
	}
	return len(rows), nil
}

func (s *Selector) requiredCapabilities(c Criteria) []string {
	caps := append([]string(nil), c.RequiredCapabilities...)
	switch c.RequestType {
	case RequestTypeVision:
		caps = append(caps, catalog.CapabilityVision)
	case RequestTypeJSON:
		caps = append(caps, catalog.CapabilityJSONMode)
	}
	return caps
}

func (s *Selector) eligible(ctx context.Context, c Criteria, creds []*models.Credential) ([]Candidate, error) {
	instances, err := s.store.ListInstances(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	credByID := make(map[string]*models.Credential, len(creds))
	for _, cred := range creds {
		credByID[cred.ID] = cred
	}
	excluded := make(map[string]bool, len(c.ExcludedProviders))
	for _, p := range c.ExcludedProviders {
		excluded[p] = true
	}
	caps := s.requiredCapabilities(c)
	now := s.now()
	open := make(map[string]bool)

	var out []Candidate
	for _, inst := range instances {
		cred, ok := credByID[inst.CredentialID]
		if !ok || !cred.IsActive || cred.BlockActive(now) || inst.BlockActive(now) {
			continue
		}
		if excluded[inst.Provider] {
			continue
		}

		model, known := s.catalog.Model(inst.Provider, inst.ModelID)
		if !known {
			// uncatalogued models only serve unconstrained requests
			if len(caps) > 0 || c.QualityTier != "" {
				continue
			}
		} else if !model.Supports(caps) || !model.MeetsTier(c.QualityTier) {
			continue
		}

		isOpen, seen := open[inst.Provider]
		if !seen {
			isOpen = s.circuitOpen(ctx, inst.Provider)
			open[inst.Provider] = isOpen
		}
		if isOpen {
			continue
		}

		out = append(out, Candidate{
			Instance:   inst,
			Credential: cred,
			Model:      model,
			Score:      Score(inst, cred, now),
		})
	}

	return applyPreferences(out, c), nil
}

func (s *Selector) circuitOpen(ctx context.Context, provider string) bool {
	if s.circuits == nil {
		return false
	}
	state, err := s.circuits.GetState(ctx, provider)
	if err != nil {
		// the dispatch loop re-checks availability before each attempt
		s.logger.Warn("circuit state unavailable", zap.String("provider", provider), zap.Error(err))
		return false
	}
	return state == circuit.StateOpen
}

// applyPreferences narrows to the preferred provider/model when any candidate matches
func applyPreferences(in []Candidate, c Criteria) []Candidate {
	out := in
	if c.PreferredProvider != "" {
		out = filter(out, func(cand Candidate) bool { return cand.Instance.Provider == c.PreferredProvider })
		if len(out) == 0 {
			out = in
		}
	}
	if c.PreferredModel != "" {
		narrowed := filter(out, func(cand Candidate) bool { return cand.Instance.ModelID == c.PreferredModel })
		if len(narrowed) > 0 {
			out = narrowed
		}
	}
	return out
}

func filter(in []Candidate, keep func(Candidate) bool) []Candidate {
	var out []Candidate
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Selector) rank(candidates []Candidate) *Selection {
	if len(candidates) == 0 {
		return &Selection{Warning: "no eligible provider instances"}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Instance.ID < candidates[j].Instance.ID
	})

	chain := Diversify(candidates, s.maxCandidates)
	sel := &Selection{
		Chain:      chain,
		Confidence: chain[0].Score,
	}
	if sel.Confidence < HighConfidence {
		sel.Warning = fmt.Sprintf("capacity constrained: best candidate %s/%s has confidence %.2f",
			chain[0].Instance.Provider, chain[0].Instance.ModelID, sel.Confidence)
	}
	return sel
}

// Diversify reorders a score-sorted list so that after the primary come
// alternates from providers not yet in the chain, then at most one more
// instance of the primary's provider, then the rest. The result holds at most limit entries.
func Diversify(sorted []Candidate, limit int) []Candidate {
	if len(sorted) == 0 {
		return nil
	}
	primary := sorted[0]
	primaryProvider := primary.Instance.Provider

	chain := []Candidate{primary}
	used := make([]bool, len(sorted))
	used[0] = true
	seen := map[string]bool{primaryProvider: true}

	for i := 1; i < len(sorted); i++ {
		p := sorted[i].Instance.Provider
		if !seen[p] {
			seen[p] = true
			used[i] = true
			chain = append(chain, sorted[i])
		}
	}
	for i := 1; i < len(sorted); i++ {
		if !used[i] && sorted[i].Instance.Provider == primaryProvider {
			used[i] = true
			chain = append(chain, sorted[i])
			break
		}
	}
	for i := 1; i < len(sorted); i++ {
		if !used[i] && sorted[i].Instance.Provider != primaryProvider {
			used[i] = true
			chain = append(chain, sorted[i])
		}
	}

	if limit > 0 && len(chain) > limit {
		chain = chain[:limit]
	}
	return chain
}
