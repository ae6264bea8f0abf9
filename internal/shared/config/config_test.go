package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SECRET_PASSPHRASE", "test-passphrase")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 3600, cfg.CacheTTLSeconds)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.MaxCandidates)
	assert.Equal(t, 5, cfg.CircuitFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitFailureWindow)
	assert.Equal(t, 30*time.Second, cfg.CircuitRecovery)
	assert.True(t, cfg.CacheEnabled)
	assert.True(t, cfg.MaintenanceEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SECRET_PASSPHRASE", "x")
	t.Setenv("CIRCUIT_RECOVERY_SECONDS", "10")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("MAX_CANDIDATES", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.CircuitRecovery)
	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, 5, cfg.MaxCandidates)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"STORE_BACKEND": "postgres", "DATABASE_URL": "", "SECRET_PASSPHRASE": "x"}},
		{"missing passphrase", map[string]string{"STORE_BACKEND": "memory", "SECRET_PASSPHRASE": ""}},
		{"unknown backend", map[string]string{"STORE_BACKEND": "mongo", "SECRET_PASSPHRASE": "x"}},
		{"zero candidates", map[string]string{"STORE_BACKEND": "memory", "SECRET_PASSPHRASE": "x", "MAX_CANDIDATES": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
