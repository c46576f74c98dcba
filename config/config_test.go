package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	settings := Default()
	require.Equal(t, EnvProd, settings.Environment)
	require.Equal(t, 5*time.Second, settings.PublicStream.ReconnectBase)
	require.Equal(t, 300*time.Second, settings.PublicStream.ReconnectCap)
	require.Equal(t, 30*time.Second, settings.Balance.TTL)
	require.InDelta(t, 0.001, settings.Funding.MaxRatePerHour, 1e-12)
	require.Equal(t, 5*time.Second, settings.Bybit.RecvWindow)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), settings)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mooring.yaml")
	payload := []byte(`
environment: dev
balance:
  ttl: 10s
  fetchTimeout: 2s
funding:
  maxRatePerHour: 0.0005
  ttl: 30m
governor:
  backoffBase: 2s
  backoffCap: 120s
  budgets:
    - name: place-order
      capacity: 5
      window: 1s
`)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	settings, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, EnvDev, settings.Environment)
	require.Equal(t, 10*time.Second, settings.Balance.TTL)
	require.InDelta(t, 0.0005, settings.Funding.MaxRatePerHour, 1e-12)
	require.Equal(t, 2*time.Second, settings.Governor.BackoffBase)

	budget := settings.Governor.Budget("place-order")
	require.Equal(t, 5, budget.Capacity)
	require.Equal(t, time.Second, budget.Window)
}

func TestBudgetFallsBackToDefaults(t *testing.T) {
	governor := GovernorConfig{DefaultCapacity: 7, DefaultWindow: 2 * time.Second}
	budget := governor.Budget("unknown-endpoint")
	require.Equal(t, 7, budget.Capacity)
	require.Equal(t, 2*time.Second, budget.Window)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("balance: ["), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
