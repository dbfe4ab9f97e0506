package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itsharex/SolidUI/errors"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "KERNELBRIDGE"

// durationPaths lists the config keys holding durations. File layers may use
// Go duration strings ("5s") for these.
var durationPaths = [][]string{
	{"shutdown_timeout"},
	{"kernel", "stop_timeout"},
	{"kernel", "restart_backoff"},
	{"http", "read_timeout"},
	{"http", "write_timeout"},
	{"link", "write_timeout"},
	{"link", "poll_interval"},
	{"link", "nats", "connect_timeout"},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer and environment overrides, then
// validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		if cfg, err = mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"Loader", "Load", "validate configuration")
		}
	}

	return cfg, nil
}

// loadRaw reads a JSON or YAML layer into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, keys := range durationPaths {
		parent := data
		for _, key := range keys[:len(keys)-1] {
			next, ok := parent[key].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}

		leaf := keys[len(keys)-1]
		s, ok := parent[leaf].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(keys, "."), err)
		}
		parent[leaf] = d.Nanoseconds()
	}
	return nil
}

// mergeFromMap merges a raw layer over base, only overriding keys present in the layer
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies KERNELBRIDGE_* environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		return val, validateEnvVar(key, val)
	}

	overrides := []struct {
		name   string
		target *string
	}{
		{"IDENT_MAIN", &cfg.Ident.Main},
		{"IDENT_KERNEL_MANAGER", &cfg.Ident.KernelManager},
		{"KERNEL_COMMAND", &cfg.Kernel.Command},
		{"KERNEL_WORK_DIR", &cfg.Kernel.WorkDir},
		{"PID_DIR", &cfg.Kernel.PIDDir},
		{"BASE_PATH", &cfg.HTTP.BasePath},
		{"LINK_TRANSPORT", &cfg.Link.Transport},
		{"LINK_LISTEN_ADDR", &cfg.Link.ListenAddr},
		{"LINK_ADVERTISE_URL", &cfg.Link.AdvertiseURL},
		{"NATS_URL", &cfg.Link.NATS.URL},
		{"SUBJECT_PREFIX", &cfg.Link.NATS.SubjectPrefix},
	}
	for _, s := range overrides {
		val, err := env(s.name)
		if err != nil {
			return err
		}
		if val != "" {
			*s.target = val
		}
	}

	val, err := env("HTTP_PORT")
	if err != nil {
		return err
	}
	if val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_HTTP_PORT: %w", l.envPrefix, err)
		}
		cfg.HTTP.Port = port
	}

	val, err = env("RESTART_ON_EXIT")
	if err != nil {
		return err
	}
	if val != "" {
		restart, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_RESTART_ON_EXIT: %w", l.envPrefix, err)
		}
		cfg.Kernel.RestartOnExit = restart
	}

	return nil
}
