// Package config provides the hot-reloadable runtime configuration
// surface: dampening, hysteresis, hold-down, route-selection, safe-mode,
// parallel-session, AIMD, and scheduler settings, loaded from YAML and
// watched for changes on disk.
package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/99souls/agprouter/engine/models"
)

// RuntimeConfig is the complete configuration surface enumerated for this
// system: one section per component, plus the bookkeeping fields needed
// for change detection and hot reload.
type RuntimeConfig struct {
	Version         string                       `yaml:"version" json:"version"`
	UpdatedAt       time.Time                    `yaml:"updated_at" json:"updated_at"`
	ConfigSource    string                       `yaml:"config_source,omitempty" json:"config_source,omitempty"`
	Checksum        string                       `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	Dampening       models.DampeningConfig       `yaml:"dampening" json:"dampening"`
	Hysteresis      models.HysteresisConfig      `yaml:"hysteresis" json:"hysteresis"`
	HoldDown        models.HoldDownConfig        `yaml:"hold_down" json:"hold_down"`
	RouteSelection  models.RouteSelectionConfig  `yaml:"route_selection" json:"route_selection"`
	SafeMode        models.SafeModeConfig        `yaml:"safe_mode" json:"safe_mode"`
	ParallelSession models.ParallelSessionConfig `yaml:"parallel_session" json:"parallel_session"`
	AIMD            models.AIMDConfig            `yaml:"aimd" json:"aimd"`
	Scheduler       models.SchedulerConfig       `yaml:"scheduler" json:"scheduler"`
}

// DefaultRuntimeConfig assembles the per-component defaults into one
// document.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Dampening:       models.DefaultDampeningConfig(),
		Hysteresis:      models.DefaultHysteresisConfig(),
		HoldDown:        models.DefaultHoldDownConfig(),
		RouteSelection:  models.DefaultRouteSelectionConfig(),
		SafeMode:        models.DefaultSafeModeConfig(),
		ParallelSession: models.DefaultParallelSessionConfig(),
		AIMD:            models.DefaultAIMDConfig(),
		Scheduler:       models.DefaultSchedulerConfig(),
	}
}

// ConfigValidator validates a configuration document before it is
// applied.
type ConfigValidator interface {
	Validate(cfg *RuntimeConfig) error
}

// RuntimeConfigManager owns the currently active configuration and
// mediates validated updates to it.
type RuntimeConfigManager struct {
	configPath    string
	currentConfig *RuntimeConfig
	mutex         sync.RWMutex
	validators    []ConfigValidator
}

// NewRuntimeConfigManager constructs a manager with the default
// validator registered.
func NewRuntimeConfigManager(configPath string) (*RuntimeConfigManager, error) {
	manager := &RuntimeConfigManager{
		configPath:    configPath,
		currentConfig: DefaultRuntimeConfig(),
		validators:    make([]ConfigValidator, 0),
	}
	manager.AddValidator(&defaultConfigValidator{})
	return manager, nil
}

// AddValidator registers an additional validator run on every update.
func (rcm *RuntimeConfigManager) AddValidator(validator ConfigValidator) {
	rcm.mutex.Lock()
	defer rcm.mutex.Unlock()
	rcm.validators = append(rcm.validators, validator)
}

// LoadConfiguration reads the config file from disk, falling back to
// defaults if it does not yet exist.
func (rcm *RuntimeConfigManager) LoadConfiguration() error {
	rcm.mutex.Lock()
	defer rcm.mutex.Unlock()

	if _, err := os.Stat(rcm.configPath); os.IsNotExist(err) {
		rcm.currentConfig = DefaultRuntimeConfig()
		rcm.currentConfig.UpdatedAt = time.Now()
		return nil
	}

	data, err := os.ReadFile(rcm.configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultRuntimeConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	rcm.currentConfig = cfg
	return nil
}

// UpdateConfiguration validates and applies a new configuration, then
// persists it to disk.
func (rcm *RuntimeConfigManager) UpdateConfiguration(cfg *RuntimeConfig) error {
	rcm.mutex.Lock()
	defer rcm.mutex.Unlock()

	if err := rcm.validateConfiguration(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.UpdatedAt = time.Now()
	cfg.Checksum = rcm.calculateChecksum(cfg)
	rcm.currentConfig = cfg

	return rcm.saveConfigurationToFile(cfg)
}

// GetCurrentConfig returns a copy of the active configuration.
func (rcm *RuntimeConfigManager) GetCurrentConfig() *RuntimeConfig {
	rcm.mutex.RLock()
	defer rcm.mutex.RUnlock()
	cfgCopy := *rcm.currentConfig
	return &cfgCopy
}

// ValidateConfiguration runs the registered validators without applying
// the configuration.
func (rcm *RuntimeConfigManager) ValidateConfiguration(cfg *RuntimeConfig) error {
	rcm.mutex.RLock()
	defer rcm.mutex.RUnlock()
	return rcm.validateConfiguration(cfg)
}

func (rcm *RuntimeConfigManager) validateConfiguration(cfg *RuntimeConfig) error {
	for _, validator := range rcm.validators {
		if err := validator.Validate(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (rcm *RuntimeConfigManager) saveConfigurationToFile(cfg *RuntimeConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(rcm.configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(rcm.configPath, data, 0o644)
}

func (rcm *RuntimeConfigManager) calculateChecksum(cfg *RuntimeConfig) string {
	cfgForHash := *cfg
	cfgForHash.Checksum = ""
	data, _ := json.Marshal(cfgForHash)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// HotReloadSystem watches the config file's directory for writes and
// emits a ConfigChange whenever the on-disk checksum changes.
type HotReloadSystem struct {
	configPath string
	watcher    *fsnotify.Watcher
	isWatching bool
	mutex      sync.Mutex
}

// ConfigChange is one detected configuration change event.
type ConfigChange struct {
	*RuntimeConfig
	ChangeType       string    `json:"change_type"`
	ChangedAt        time.Time `json:"changed_at"`
	PreviousChecksum string    `json:"previous_checksum"`
}

// NewHotReloadSystem constructs a watcher for configPath.
func NewHotReloadSystem(configPath string) (*HotReloadSystem, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &HotReloadSystem{configPath: configPath, watcher: watcher}, nil
}

// WatchConfigChanges starts watching the config file's directory (more
// reliable than watching the file itself across editors that
// write-then-rename) and streams detected changes until ctx is done.
func (hrs *HotReloadSystem) WatchConfigChanges(ctx context.Context) (<-chan *ConfigChange, <-chan error) {
	changesChan := make(chan *ConfigChange, 10)
	errorsChan := make(chan error, 10)

	hrs.mutex.Lock()
	if hrs.isWatching {
		hrs.mutex.Unlock()
		close(changesChan)
		close(errorsChan)
		return changesChan, errorsChan
	}

	configDir := filepath.Dir(hrs.configPath)
	if err := hrs.watcher.Add(configDir); err != nil {
		hrs.mutex.Unlock()
		errorsChan <- fmt.Errorf("watch directory %s: %w", configDir, err)
		close(changesChan)
		close(errorsChan)
		return changesChan, errorsChan
	}
	hrs.isWatching = true
	hrs.mutex.Unlock()

	go func() {
		defer close(changesChan)
		defer close(errorsChan)

		var lastConfig *RuntimeConfig

		for {
			select {
			case event, ok := <-hrs.watcher.Events:
				if !ok {
					return
				}
				if event.Name != hrs.configPath {
					continue
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}

				newConfig, err := hrs.loadConfigFromFile()
				if err != nil {
					errorsChan <- err
					continue
				}

				if hrs.DetectChanges(lastConfig, newConfig) {
					change := &ConfigChange{
						RuntimeConfig: newConfig,
						ChangeType:    "file_modified",
						ChangedAt:     time.Now(),
					}
					if lastConfig != nil {
						change.PreviousChecksum = lastConfig.Checksum
					}
					changesChan <- change
					lastConfig = newConfig
				}

			case err, ok := <-hrs.watcher.Errors:
				if !ok {
					return
				}
				errorsChan <- err

			case <-ctx.Done():
				return
			}
		}
	}()

	return changesChan, errorsChan
}

// StopWatching closes the underlying filesystem watcher.
func (hrs *HotReloadSystem) StopWatching() error {
	hrs.mutex.Lock()
	defer hrs.mutex.Unlock()
	if hrs.isWatching {
		hrs.isWatching = false
		return hrs.watcher.Close()
	}
	return nil
}

// DetectChanges reports whether two configurations differ, preferring a
// checksum comparison when both are populated.
func (hrs *HotReloadSystem) DetectChanges(oldConfig, newConfig *RuntimeConfig) bool {
	if oldConfig == nil && newConfig == nil {
		return false
	}
	if oldConfig == nil || newConfig == nil {
		return true
	}
	if oldConfig.Checksum != "" && newConfig.Checksum != "" {
		return oldConfig.Checksum != newConfig.Checksum
	}
	oldData, _ := json.Marshal(oldConfig)
	newData, _ := json.Marshal(newConfig)
	return string(oldData) != string(newData)
}

func (hrs *HotReloadSystem) loadConfigFromFile() (*RuntimeConfig, error) {
	if _, err := os.Stat(hrs.configPath); os.IsNotExist(err) {
		return DefaultRuntimeConfig(), nil
	}
	data, err := os.ReadFile(hrs.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultRuntimeConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// defaultConfigValidator enforces the configuration-level invariants
// called out in the testable-properties section: the route-selection
// weights must sum to 1.0 within 1%, and the dampening suppress
// threshold must stay strictly above the reuse threshold.
type defaultConfigValidator struct{}

func (defaultConfigValidator) Validate(cfg *RuntimeConfig) error {
	sum := cfg.RouteSelection.Weights.Sum()
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("route selection weights must sum to 1.0 +/- 1%%, got %.4f", sum)
	}
	if cfg.Dampening.SuppressThreshold <= cfg.Dampening.ReuseThreshold {
		return fmt.Errorf("dampening suppress_threshold (%.2f) must exceed reuse_threshold (%.2f)",
			cfg.Dampening.SuppressThreshold, cfg.Dampening.ReuseThreshold)
	}
	if cfg.Scheduler.MinWeight > cfg.Scheduler.DefaultWeight {
		return fmt.Errorf("scheduler min_weight (%.2f) must not exceed default_weight (%.2f)",
			cfg.Scheduler.MinWeight, cfg.Scheduler.DefaultWeight)
	}
	return nil
}
