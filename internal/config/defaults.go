package config

import (
	"github.com/Fnux8890/rigs/internal/dispatch"
	"github.com/Fnux8890/rigs/internal/provider"
)

const (
	defaultRefreshIntervalSeconds = 30
	defaultForemanIdleMs          = 5000
	defaultWorkerTimeoutSeconds   = 600
	defaultMaxRetries             = 3
	defaultShutdownGraceSeconds   = 30
	defaultDatabasePath           = "rigs.db"
)

// Defaults returns the documented configuration defaults.
func Defaults() Config {
	providers := ProvidersConfig{}
	for _, p := range provider.All {
		providers[p] = provider.DefaultConfig(p)
	}

	return Config{
		Workspace: ".",
		LogLevel:  "info",
		General: GeneralConfig{
			Strategy:               dispatch.Balanced,
			RefreshIntervalSeconds: defaultRefreshIntervalSeconds,
			ForemanIdleMs:          defaultForemanIdleMs,
			WorkerTimeoutSeconds:   defaultWorkerTimeoutSeconds,
			MaxRetries:             defaultMaxRetries,
			ShutdownGraceSeconds:   defaultShutdownGraceSeconds,
		},
		Providers: providers,
		Routing: RoutingConfig{
			Affinity: dispatch.DefaultAffinityMatrix(),
		},
		Assayer: AssayerConfig{
			PlannerModel:   "deepseek-chat",
			OptimizerModel: "deepseek-chat",
			EstimatorModel: "deepseek-chat",
			QualityModel:   "deepseek-chat",
		},
		Database: DatabaseConfig{
			Path:    defaultDatabasePath,
			WALMode: true,
		},
	}
}

// ApplyDefaults fills missing or invalid values with documented defaults,
// forwarding a human-readable message to warn for every correction made.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	if cfg.Workspace == "" {
		cfg.Workspace = defaults.Workspace
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	cfg.General.Strategy = normalizeStrategy(cfg.General.Strategy, defaults.General.Strategy, warn)
	cfg.General.RefreshIntervalSeconds = normalizePositiveInt(cfg.General.RefreshIntervalSeconds, defaults.General.RefreshIntervalSeconds, "general.refresh_interval_seconds", warn)
	cfg.General.ForemanIdleMs = normalizePositiveInt(cfg.General.ForemanIdleMs, defaults.General.ForemanIdleMs, "general.foreman_idle_ms", warn)
	cfg.General.WorkerTimeoutSeconds = normalizePositiveInt(cfg.General.WorkerTimeoutSeconds, defaults.General.WorkerTimeoutSeconds, "general.worker_timeout_seconds", warn)
	cfg.General.MaxRetries = normalizePositiveInt(cfg.General.MaxRetries, defaults.General.MaxRetries, "general.max_retries", warn)
	cfg.General.ShutdownGraceSeconds = normalizePositiveInt(cfg.General.ShutdownGraceSeconds, defaults.General.ShutdownGraceSeconds, "general.shutdown_grace_seconds", warn)

	if cfg.Providers == nil {
		cfg.Providers = ProvidersConfig{}
	}
	for _, p := range provider.All {
		if _, ok := cfg.Providers[p]; !ok {
			cfg.Providers[p] = defaults.Providers[p]
		}
	}

	if cfg.Routing.Affinity == nil {
		cfg.Routing.Affinity = defaults.Routing.Affinity
	}

	if cfg.Assayer.PlannerModel == "" {
		cfg.Assayer.PlannerModel = defaults.Assayer.PlannerModel
	}
	if cfg.Assayer.OptimizerModel == "" {
		cfg.Assayer.OptimizerModel = defaults.Assayer.OptimizerModel
	}
	if cfg.Assayer.EstimatorModel == "" {
		cfg.Assayer.EstimatorModel = defaults.Assayer.EstimatorModel
	}
	if cfg.Assayer.QualityModel == "" {
		cfg.Assayer.QualityModel = defaults.Assayer.QualityModel
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = defaults.Database.Path
	}

	return cfg
}

func normalizeStrategy(value, fallback dispatch.Strategy, warn func(string)) dispatch.Strategy {
	switch value {
	case dispatch.Conservative, dispatch.Balanced, dispatch.Aggressive:
		return value
	default:
		emitWarning(warn, "invalid general.strategy; using default")
		return fallback
	}
}

func normalizePositiveInt(value, fallback int, key string, warn func(string)) int {
	if value <= 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
