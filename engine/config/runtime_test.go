package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfiguration_DefaultsWhenFileMissing(t *testing.T) {
	m, err := NewRuntimeConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, m.LoadConfiguration())

	cfg := m.GetCurrentConfig()
	assert.Equal(t, 4, cfg.AIMD.InitialWindow)
}

func TestUpdateConfiguration_RoundTripsThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	m, err := NewRuntimeConfigManager(path)
	require.NoError(t, err)
	require.NoError(t, m.LoadConfiguration())

	cfg := m.GetCurrentConfig()
	cfg.Version = "v2"
	require.NoError(t, m.UpdateConfiguration(cfg))

	reloaded, err := NewRuntimeConfigManager(path)
	require.NoError(t, err)
	require.NoError(t, reloaded.LoadConfiguration())
	assert.Equal(t, "v2", reloaded.GetCurrentConfig().Version)
}

func TestUpdateConfiguration_RejectsBadWeightSum(t *testing.T) {
	m, err := NewRuntimeConfigManager(filepath.Join(t.TempDir(), "runtime.yaml"))
	require.NoError(t, err)
	require.NoError(t, m.LoadConfiguration())

	cfg := m.GetCurrentConfig()
	cfg.RouteSelection.Weights.LocalPref = 0.9
	err = m.UpdateConfiguration(cfg)
	assert.Error(t, err)
}

func TestUpdateConfiguration_RejectsInvertedDampeningThresholds(t *testing.T) {
	m, err := NewRuntimeConfigManager(filepath.Join(t.TempDir(), "runtime.yaml"))
	require.NoError(t, err)
	require.NoError(t, m.LoadConfiguration())

	cfg := m.GetCurrentConfig()
	cfg.Dampening.SuppressThreshold = 1.0
	cfg.Dampening.ReuseThreshold = 2.0
	err = m.UpdateConfiguration(cfg)
	assert.Error(t, err)
}

func TestDetectChanges_ComparesChecksumsWhenPresent(t *testing.T) {
	hrs := &HotReloadSystem{}
	a := DefaultRuntimeConfig()
	a.Checksum = "same"
	b := DefaultRuntimeConfig()
	b.Checksum = "same"
	assert.False(t, hrs.DetectChanges(a, b))

	b.Checksum = "different"
	assert.True(t, hrs.DetectChanges(a, b))
}

func TestDetectChanges_NilHandling(t *testing.T) {
	hrs := &HotReloadSystem{}
	assert.False(t, hrs.DetectChanges(nil, nil))
	assert.True(t, hrs.DetectChanges(nil, DefaultRuntimeConfig()))
}
