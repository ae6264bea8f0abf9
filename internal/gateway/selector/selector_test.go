package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/circuit"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/memstore"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/models"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeCircuits map[string]circuit.State

func (f fakeCircuits) GetState(ctx context.Context, provider string) (circuit.State, error) {
	if s, ok := f[provider]; ok {
		return s, nil
	}
	return circuit.StateClosed, nil
}

func freshInstance(id, provider string) *models.Instance {
	return &models.Instance{
		ID: id, Provider: provider, ModelID: "m",
		DailyQuota: 100, MinuteQuota: 10, RemainingDaily: 100, RemainingMinute: 10,
		HealthScore: 100,
	}
}

func TestScore_FreshInstance(t *testing.T) {
	inst := freshInstance("a", "gemini")
	// 0.35*1 + 0.25*1 + 0.15*1 + 0.25*0.9
	assert.InDelta(t, 0.975, Score(inst, nil, now), 1e-9)
}

func TestScore_Components(t *testing.T) {
	inst := freshInstance("a", "gemini")
	inst.RemainingDaily = 50
	inst.RemainingMinute = 0
	inst.HealthScore = 60
	inst.TotalRequests = 20
	inst.TotalSuccesses = 15
	failedAt := now.Add(-30 * time.Second)
	inst.LastFailureAt = &failedAt

	quota := 0.7*0.5 + 0.3*0
	want := 0.35*quota + 0.25*0.6 + 0.15*0.2 + 0.25*0.75
	assert.InDelta(t, want, Score(inst, nil, now), 1e-9)

	inst.ConsecutiveFailures = 2
	assert.InDelta(t, want-0.2, Score(inst, nil, now), 1e-9)

	inst.ConsecutiveFailures = 50
	assert.Equal(t, 0.0, Score(inst, nil, now), "penalty never exceeds positive contributions")
}

func TestRecencyDecay(t *testing.T) {
	inst := freshInstance("a", "gemini")
	at := func(d time.Duration) float64 {
		ts := now.Add(-d)
		inst.LastFailureAt = &ts
		return recency(inst, now)
	}
	assert.Equal(t, 0.2, at(10*time.Second))
	assert.Equal(t, 0.2, at(59*time.Second))
	assert.InDelta(t, 0.2, at(60*time.Second), 1e-9)
	assert.InDelta(t, 0.6, at(60*time.Second+7*time.Minute), 1e-9)
	assert.Equal(t, 1.0, at(15*time.Minute))
	assert.Equal(t, 1.0, at(2*time.Hour))
}

func TestScore_Zeroing(t *testing.T) {
	inst := freshInstance("a", "gemini")
	inst.RemainingDaily = 0
	assert.Equal(t, 0.0, Score(inst, nil, now))

	inst = freshInstance("a", "gemini")
	until := now.Add(time.Minute)
	inst.Block(&until, "rate_limited")
	assert.Equal(t, 0.0, Score(inst, nil, now))

	// lapsed block no longer zeroes
	past := now.Add(-time.Minute)
	inst.BlockUntil = &past
	assert.Greater(t, Score(inst, nil, now), 0.0)

	cred := &models.Credential{}
	cred.Block(&until, "quota_exceeded")
	assert.Equal(t, 0.0, Score(freshInstance("b", "gemini"), cred, now))
}

func cand(id, provider string, score float64) Candidate {
	return Candidate{Instance: &models.Instance{ID: id, Provider: provider}, Score: score}
}

func ids(chain []Candidate) []string {
	out := make([]string, len(chain))
	for i, c := range chain {
		out[i] = c.Instance.ID
	}
	return out
}

func TestDiversify(t *testing.T) {
	tests := []struct {
		name   string
		sorted []Candidate
		limit  int
		want   []string
	}{
		{
			name:   "unseen provider promoted over same-provider alternate",
			sorted: []Candidate{cand("A", "p1", 0.9), cand("B", "p1", 0.8), cand("C", "p2", 0.7)},
			limit:  3,
			want:   []string{"A", "C", "B"},
		},
		{
			name:   "at most one same-provider alternate",
			sorted: []Candidate{cand("A", "p1", 0.9), cand("B", "p1", 0.8), cand("B2", "p1", 0.75), cand("C", "p2", 0.7)},
			limit:  5,
			want:   []string{"A", "C", "B"},
		},
		{
			name: "other providers' second instances come last",
			sorted: []Candidate{
				cand("A", "p1", 0.9), cand("C1", "p2", 0.85), cand("C2", "p2", 0.8),
				cand("D", "p3", 0.6), cand("B", "p1", 0.5),
			},
			limit: 5,
			want:  []string{"A", "C1", "D", "B", "C2"},
		},
		{
			name: "capped",
			sorted: []Candidate{
				cand("1", "a", 0.9), cand("2", "b", 0.8), cand("3", "c", 0.7),
				cand("4", "d", 0.6), cand("5", "e", 0.5), cand("6", "f", 0.4),
			},
			limit: 5,
			want:  []string{"1", "2", "3", "4", "5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Diversify(tt.sorted, tt.limit)))
		})
	}
	assert.Nil(t, Diversify(nil, 5))
}

type fixture struct {
	store *memstore.Store
	sel   *Selector
	cat   *catalog.Catalog
}

func newFixture(t *testing.T, circuits CircuitReader) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	st := memstore.New()
	n := 0
	sel := New(st, cat, circuits, nil, WithClock(func() time.Time { return now }))
	sel.newID = func() string {
		n++
		return "gen-" + string(rune('a'+n))
	}
	return &fixture{store: st, sel: sel, cat: cat}
}

func (f *fixture) addCredential(t *testing.T, id, provider string) *models.Credential {
	t.Helper()
	p, _ := f.cat.Provider(provider)
	cred := &models.Credential{
		ID: id, UserID: "u1", Provider: provider,
		DailyQuota: p.DailyQuota, MinuteQuota: p.MinuteQuota,
		HealthScore: 100, IsActive: true, CreatedAt: now,
	}
	require.NoError(t, f.store.CreateCredential(context.Background(), cred))
	return cred
}

func (f *fixture) addInstance(t *testing.T, id string, cred *models.Credential, model string, mutate func(*models.Instance)) {
	t.Helper()
	inst := models.NewInstance(id, cred, model, 0, now)
	if mutate != nil {
		mutate(inst)
	}
	require.NoError(t, f.store.CreateInstances(context.Background(), []*models.Instance{inst}))
}

func TestFindBest_NoCredentials(t *testing.T) {
	f := newFixture(t, nil)
	sel, err := f.sel.FindBest(context.Background(), Criteria{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, sel.Chain)
	assert.NotEmpty(t, sel.Warning)
}

func TestFindBest_MaterializesInstancesLazily(t *testing.T) {
	f := newFixture(t, nil)
	f.addCredential(t, "k", "gemini")

	sel, err := f.sel.FindBest(context.Background(), Criteria{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, sel.Chain)

	insts, err := f.store.ListInstances(context.Background(), "u1")
	require.NoError(t, err)
	gemini, _ := f.cat.Provider("gemini")
	assert.Len(t, insts, len(gemini.Models))
	for _, inst := range insts {
		assert.Equal(t, 1500, inst.RemainingDaily)
		assert.Equal(t, 15, inst.RemainingMinute)
	}
}

func TestFindBest_FiltersAndRanks(t *testing.T) {
	circuits := fakeCircuits{"anthropic": circuit.StateOpen}
	f := newFixture(t, circuits)
	g := f.addCredential(t, "g", "gemini")
	o := f.addCredential(t, "o", "openai")
	a := f.addCredential(t, "a", "anthropic")
	require.NoError(t, f.store.CreateCredential(context.Background(), &models.Credential{
		ID: "x", UserID: "u1", Provider: "openai", DailyQuota: 10, MinuteQuota: 1, HealthScore: 100, CreatedAt: now,
	}))

	f.addInstance(t, "g-flash", g, "gemini-2.5-flash", func(i *models.Instance) { i.HealthScore = 60 })
	f.addInstance(t, "g-lite", g, "gemini-2.0-flash-lite", nil)
	f.addInstance(t, "o-mini", o, "gpt-4o-mini", nil)
	f.addInstance(t, "a-sonnet", a, "claude-3-5-sonnet-20241022", nil)
	f.addInstance(t, "x-mini", &models.Credential{ID: "x", UserID: "u1", Provider: "openai", DailyQuota: 10, MinuteQuota: 1}, "gpt-4o-mini", nil)

	sel, err := f.sel.FindBest(context.Background(), Criteria{UserID: "u1"})
	require.NoError(t, err)
	got := ids(sel.Chain)
	assert.NotContains(t, got, "a-sonnet", "open circuit")
	assert.NotContains(t, got, "x-mini", "inactive credential")
	require.NotEmpty(t, got)
	assert.Contains(t, []string{"g-lite", "o-mini"}, got[0])
	assert.InDelta(t, 0.975, sel.Confidence, 1e-9)
	assert.NotEmpty(t, sel.Warning, "0.975 is below the high-confidence threshold")

	// vision + standard tier excludes the lite model
	sel, err = f.sel.FindBest(context.Background(), Criteria{UserID: "u1", RequestType: RequestTypeVision, QualityTier: catalog.TierStandard})
	require.NoError(t, err)
	assert.NotContains(t, ids(sel.Chain), "g-lite")

	// excluded providers
	sel, err = f.sel.FindBest(context.Background(), Criteria{UserID: "u1", ExcludedProviders: []string{"gemini"}})
	require.NoError(t, err)
	for _, c := range sel.Chain {
		assert.NotEqual(t, "gemini", c.Instance.Provider)
	}
}

func TestFindBest_Preferences(t *testing.T) {
	f := newFixture(t, nil)
	g := f.addCredential(t, "g", "gemini")
	o := f.addCredential(t, "o", "openai")
	f.addInstance(t, "g-flash", g, "gemini-2.5-flash", func(i *models.Instance) { i.HealthScore = 10 })
	f.addInstance(t, "o-mini", o, "gpt-4o-mini", nil)

	sel, err := f.sel.FindBest(context.Background(), Criteria{UserID: "u1", PreferredProvider: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g-flash"}, ids(sel.Chain))

	sel, err = f.sel.FindBest(context.Background(), Criteria{UserID: "u1", PreferredModel: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, []string{"o-mini"}, ids(sel.Chain))

	// unknown preference falls back to everything
	sel, err = f.sel.FindBest(context.Background(), Criteria{UserID: "u1", PreferredProvider: "mistral"})
	require.NoError(t, err)
	assert.Equal(t, []string{"o-mini", "g-flash"}, ids(sel.Chain))
}

func TestFindBest_BlockedInstancesSkipped(t *testing.T) {
	f := newFixture(t, nil)
	g := f.addCredential(t, "g", "gemini")
	until := now.Add(time.Hour)
	f.addInstance(t, "g-flash", g, "gemini-2.5-flash", func(i *models.Instance) { i.Block(&until, "rate_limited") })
	f.addInstance(t, "g-pro", g, "gemini-2.5-pro", func(i *models.Instance) { i.RemainingDaily = 0 })
	f.addInstance(t, "g-lite", g, "gemini-2.0-flash-lite", nil)

	sel, err := f.sel.FindBest(context.Background(), Criteria{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g-lite", "g-pro"}, ids(sel.Chain))
	assert.Equal(t, 0.0, sel.Chain[1].Score)
}

// a zero-score instance is never first when any alternative scores above zero
func TestZeroScoreNeverFirstProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		providers := []string{"gemini", "openai", "anthropic"}
		var cands []Candidate
		anyPositive := false
		for i := 0; i < n; i++ {
			inst := freshInstance(string(rune('a'+i)), rapid.SampledFrom(providers).Draw(rt, "provider"))
			inst.RemainingDaily = rapid.IntRange(0, 100).Draw(rt, "remaining")
			inst.HealthScore = rapid.IntRange(0, 100).Draw(rt, "health")
			inst.ConsecutiveFailures = rapid.IntRange(0, 3).Draw(rt, "failures")
			if rapid.Bool().Draw(rt, "blocked") {
				until := now.Add(time.Hour)
				inst.Block(&until, "test")
			}
			score := Score(inst, nil, now)
			if inst.RemainingDaily == 0 || inst.IsBlocked {
				assert.Equal(rt, 0.0, score)
			}
			if score > 0 {
				anyPositive = true
			}
			cands = append(cands, Candidate{Instance: inst, Score: score})
		}

		s := &Selector{maxCandidates: DefaultMaxCandidates}
		sel := s.rank(cands)
		if anyPositive {
			assert.Greater(rt, sel.Chain[0].Score, 0.0)
		}
	})
}
