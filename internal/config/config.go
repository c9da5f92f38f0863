// Package config handles loading, validation, and atomic persistence of the
// runtime configuration.
//
// # Format
//
// The canonical config file is UTF-8 JSON (config.json). Files ending in
// .yaml or .yml are parsed as YAML for operators who prefer hand-editing,
// but saves always write canonical JSON.
//
// # Validation
//
// Load and Validate enforce the structural invariants: unique target ids,
// port present exactly when the protocol needs one, timeout strictly below
// the probe interval. Missing ids are filled in with generated UUIDs so that
// configs written by hand stay valid; defaults are applied for interval,
// timeout, threshold, and retention.
//
// # Atomicity
//
// Save writes to a temp file in the same directory and renames it over the
// target, so a concurrent reader observes either the old or the new file,
// never a torn write.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ifpj/netwatch/pkg/types"
)

// Defaults applied by Normalize.
const (
	DefaultInterval      = 10 // seconds
	DefaultTimeout       = 5  // seconds
	DefaultThreshold     = 3
	DefaultRetentionDays = 3
)

// fileConfig is the on-disk shape. It accepts the legacy singular
// "alert.webhook" object alongside the plural "alert.webhooks" list and
// converts to the plural shape at load.
type fileConfig struct {
	Targets           []types.Target `json:"targets" yaml:"targets"`
	Alert             fileAlert      `json:"alert" yaml:"alert"`
	DataRetentionDays int            `json:"data_retention_days" yaml:"data_retention_days"`
}

type fileAlert struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Webhooks []types.Webhook `json:"webhooks" yaml:"webhooks"`
	Webhook  *legacyWebhook  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// legacyWebhook is the pre-1.0 single-webhook shape.
type legacyWebhook struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url" yaml:"url"`
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
}

// Load reads, parses, and validates the config file at path.
func Load(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, isYAMLPath(path))
}

// Parse decodes raw config bytes, normalizes defaults, and validates.
func Parse(data []byte, asYAML bool) (*types.Config, error) {
	var fc fileConfig
	if asYAML {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg := &types.Config{
		Targets: fc.Targets,
		Alert: types.AlertConfig{
			Enabled:  fc.Alert.Enabled,
			Webhooks: fc.Alert.Webhooks,
		},
		DataRetentionDays: fc.DataRetentionDays,
	}

	// Legacy single-webhook shape: convert once at load.
	if fc.Alert.Webhook != nil && len(cfg.Alert.Webhooks) == 0 {
		cfg.Alert.Webhooks = []types.Webhook{{
			Name:     fc.Alert.Webhook.Name,
			URL:      fc.Alert.Webhook.URL,
			Template: fc.Alert.Webhook.Template,
			Enabled:  true,
		}}
	}

	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills in generated ids and defaults in place.
func Normalize(cfg *types.Config) {
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Interval <= 0 {
			t.Interval = DefaultInterval
		}
		if t.Timeout <= 0 {
			t.Timeout = DefaultTimeout
			if t.Timeout >= t.Interval {
				t.Timeout = t.Interval - 1
			}
		}
		if t.Threshold <= 0 {
			t.Threshold = DefaultThreshold
		}
	}
	for i := range cfg.Alert.Webhooks {
		if cfg.Alert.Webhooks[i].ID == "" {
			cfg.Alert.Webhooks[i].ID = uuid.New().String()
		}
	}
	if cfg.DataRetentionDays <= 0 {
		cfg.DataRetentionDays = DefaultRetentionDays
	}
}

// Validate checks the structural invariants of a normalized config.
func Validate(cfg *types.Config) error {
	seen := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.ID == "" {
			return fmt.Errorf("target %q: missing id", t.Name)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate target id %q", t.ID)
		}
		seen[t.ID] = true

		if !t.Protocol.Valid() {
			return fmt.Errorf("target %q: unknown protocol %q", t.ID, t.Protocol)
		}
		if t.Host == "" {
			return fmt.Errorf("target %q: missing host", t.ID)
		}
		if t.Protocol.NeedsPort() {
			if t.Port == nil {
				return fmt.Errorf("target %q: protocol %s requires a port", t.ID, t.Protocol)
			}
			if *t.Port < 1 || *t.Port > 65535 {
				return fmt.Errorf("target %q: port %d out of range", t.ID, *t.Port)
			}
		} else if t.Port != nil {
			return fmt.Errorf("target %q: protocol %s does not take a port", t.ID, t.Protocol)
		}
		if t.Interval < 1 {
			return fmt.Errorf("target %q: interval must be >= 1s", t.ID)
		}
		if t.Timeout < 1 {
			return fmt.Errorf("target %q: timeout must be >= 1s", t.ID)
		}
		if t.Timeout >= t.Interval {
			return fmt.Errorf("target %q: timeout (%ds) must be below interval (%ds)", t.ID, t.Timeout, t.Interval)
		}
		if t.Threshold < 1 {
			return fmt.Errorf("target %q: threshold must be >= 1", t.ID)
		}
	}

	whSeen := make(map[string]bool, len(cfg.Alert.Webhooks))
	for _, wh := range cfg.Alert.Webhooks {
		if whSeen[wh.ID] {
			return fmt.Errorf("duplicate webhook id %q", wh.ID)
		}
		whSeen[wh.ID] = true
		if wh.Enabled && wh.URL == "" {
			return fmt.Errorf("webhook %q: enabled but has no url", wh.ID)
		}
	}

	if cfg.DataRetentionDays < 1 {
		return fmt.Errorf("data_retention_days must be >= 1")
	}
	return nil
}

// Save atomically writes cfg as pretty-printed JSON to path.
func Save(path string, cfg *types.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// WriteDefault creates a starter config at path. Used by --init; the
// monitor never creates a config silently.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	cfg := DefaultConfig()
	return Save(path, cfg)
}

// DefaultConfig returns the starter config written by --init.
func DefaultConfig() *types.Config {
	port := func(p int) *int { return &p }
	cfg := &types.Config{
		Targets: []types.Target{
			{
				ID:       "google-dns-tcp",
				Name:     "Google DNS (TCP)",
				Protocol: types.ProtocolTCP,
				Host:     "8.8.8.8",
				Port:     port(53),
			},
			{
				ID:       "cloudflare-ping",
				Name:     "Cloudflare Ping",
				Protocol: types.ProtocolICMP,
				Host:     "1.1.1.1",
			},
			{
				ID:       "google-dns-query",
				Name:     "Google DNS Query",
				Protocol: types.ProtocolDNS,
				Host:     "8.8.8.8",
				Port:     port(53),
			},
		},
		Alert:             types.AlertConfig{Enabled: false},
		DataRetentionDays: DefaultRetentionDays,
	}
	Normalize(cfg)
	return cfg
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
