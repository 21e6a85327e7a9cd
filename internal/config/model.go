// Package config defines the configuration surface for rigsd: the
// documented defaults and the merge path. Load merges optional JSON files
// (user, then workspace) and an in-memory overrides map, then fills what
// is still missing from the defaults; TOML files are not read.
package config

import (
	"github.com/Fnux8890/rigs/internal/bead"
	"github.com/Fnux8890/rigs/internal/dispatch"
	"github.com/Fnux8890/rigs/internal/provider"
)

// Config is the full configuration surface for rigsd.
type Config struct {
	Workspace string         `json:"workspace"`
	LogLevel  string         `json:"log_level"`
	General   GeneralConfig  `json:"general"`
	Providers ProvidersConfig `json:"providers"`
	Routing   RoutingConfig  `json:"routing"`
	Assayer   AssayerConfig  `json:"assayer"`
	Database  DatabaseConfig `json:"database"`
}

// GeneralConfig holds the top-level scheduling knobs.
type GeneralConfig struct {
	Strategy               dispatch.Strategy `json:"strategy"`
	RefreshIntervalSeconds int               `json:"refresh_interval_seconds"`
	ForemanIdleMs          int               `json:"foreman_idle_ms"`
	WorkerTimeoutSeconds   int               `json:"worker_timeout_seconds"`
	MaxRetries             int               `json:"max_retries"`
	ShutdownGraceSeconds   int               `json:"shutdown_grace_seconds"`
}

// ProvidersConfig maps each known provider to its per-provider settings.
type ProvidersConfig map[provider.Provider]provider.Config

// RoutingConfig holds the affinity matrix Dispatch scores against.
type RoutingConfig struct {
	Affinity dispatch.AffinityMatrix `json:"affinity"`
}

// AssayerConfig names the model used for each Assayer pipeline stage.
type AssayerConfig struct {
	PlannerModel   string `json:"planner_model"`
	OptimizerModel string `json:"optimizer_model"`
	EstimatorModel string `json:"estimator_model"`
	QualityModel   string `json:"quality_model"`
}

// DatabaseConfig names the durable-state SQLite file and its write mode.
type DatabaseConfig struct {
	Path    string `json:"path"`
	WALMode bool   `json:"wal_mode"`
}

// AffinityFor returns the configured weight for a (task type, provider)
// pair, falling back to the built-in default affinity when unset.
func (c Config) AffinityFor(t bead.TaskType, p provider.Provider) float32 {
	if weights, ok := c.Routing.Affinity[t]; ok {
		if w, ok := weights[p]; ok {
			return w
		}
	}
	for _, affinity := range t.DefaultAffinities() {
		if affinity.Provider == p {
			return affinity.Weight
		}
	}
	return 0
}
