// Command rigsd runs the Rigs scheduling daemon: it loads configuration,
// opens the durable store, bootstraps the Depot and Refinery, and drives
// the Foreman loop until an interrupt or terminate signal requests a
// graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Fnux8890/rigs/internal/assayer"
	"github.com/Fnux8890/rigs/internal/auditlog"
	"github.com/Fnux8890/rigs/internal/buildinfo"
	"github.com/Fnux8890/rigs/internal/config"
	"github.com/Fnux8890/rigs/internal/depot"
	"github.com/Fnux8890/rigs/internal/foreman"
	"github.com/Fnux8890/rigs/internal/polecat"
	"github.com/Fnux8890/rigs/internal/provider"
	"github.com/Fnux8890/rigs/internal/refinery"
	"github.com/Fnux8890/rigs/internal/rigslog"
	"github.com/Fnux8890/rigs/internal/runlock"
	"github.com/Fnux8890/rigs/internal/storage"
	"github.com/Fnux8890/rigs/internal/tank"
)

var (
	workspace string
	devLog    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rigsd",
		Short: "Rigs rate-limit-aware work scheduler daemon",
		Long: `rigsd schedules bead work across multiple LLM providers under
per-provider rate-limit accounting, deferring or rerouting work rather than
failing it outright when a provider is near its limit.`,
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace root containing _rigs/ state")
	root.PersistentFlags().BoolVar(&devLog, "dev", false, "use a human-readable development logger instead of JSON")

	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	return root
}

var (
	versionLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	versionValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	versionBoxStyle   = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(renderVersion())
			return nil
		},
	}
}

// renderVersion formats build metadata as a bordered, aligned field table
// for terminal display, distinct from buildinfo.String()'s flat logfmt-like
// form used in structured startup logging.
func renderVersion() string {
	row := func(label, value string) string {
		return versionLabelStyle.Render(label+":") + " " + versionValueStyle.Render(value)
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		row("rigsd", buildinfo.Version),
		row("commit", buildinfo.Commit),
		row("built", buildinfo.BuiltAt),
	)
	return versionBoxStyle.Render(body)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the scheduling daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	workspaceRoot, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	var warnings []string
	cfg, err := config.Load(workspaceRoot, nil, func(msg string) { warnings = append(warnings, msg) })
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	for _, w := range warnings {
		logger.Warn(w)
	}
	logger.Info("starting rigsd", zap.String("build", buildinfo.String()), zap.String("workspace", workspaceRoot))

	lock, err := runlock.Acquire(workspaceRoot, "")
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	defer lock.Release()

	store, err := storage.Open(filepath.Join(workspaceRoot, cfg.Database.Path), cfg.Database.WALMode)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	audit, err := auditlog.NewLogger(workspaceRoot, os.Stderr)
	if err != nil {
		return fmt.Errorf("build audit logger: %w", err)
	}
	defer audit.Close()

	beadRepo := storage.NewBeadRepository(store)
	tankRepo := storage.NewTankRepository(store)
	completionRepo := storage.NewCompletionRepository(store)
	configKV := storage.NewConfigKV(store)

	if err := persistActiveConfig(ctx, configKV, cfg); err != nil {
		logger.Warn("failed to record active config", zap.Error(err))
	}

	d := depot.New(beadRepo)

	r := refinery.New()
	seedRefinery(r, cfg, tankRepo)

	polecats := buildPolecats(cfg)

	watcher, err := config.NewWatcher(workspaceRoot, nil, func(msg string) { logger.Warn(msg) }, func(reloaded config.Config, reloadErr error) {
		if reloadErr != nil {
			logger.Warn("config reload failed", zap.Error(reloadErr))
			return
		}
		logger.Info("config reloaded", zap.String("strategy", string(reloaded.General.Strategy)))
		if err := persistActiveConfig(context.Background(), configKV, reloaded); err != nil {
			logger.Warn("failed to record reloaded config", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("build config watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
	}
	defer watcher.Stop()

	a := assayer.NullAssayer{}

	f := foreman.New(d, r, a, polecats, cfg.Routing.Affinity, foreman.Config{
		Strategy:        cfg.General.Strategy,
		RefreshInterval: time.Duration(cfg.General.RefreshIntervalSeconds) * time.Second,
		IdleWait:        time.Duration(cfg.General.ForemanIdleMs) * time.Millisecond,
		WorkerTimeout:   time.Duration(cfg.General.WorkerTimeoutSeconds) * time.Second,
		MaxRetries:      cfg.General.MaxRetries,
		ShutdownGrace:   time.Duration(cfg.General.ShutdownGraceSeconds) * time.Second,
	}, logger, audit)
	f.SetCompletionRecorder(completionRecorderAdapter{repo: completionRepo})
	f.SetTankPersister(tankPersisterAdapter{repo: tankRepo})

	depotCtx, depotCancel := context.WithCancel(context.Background())
	defer depotCancel()
	go d.Run(depotCtx)

	if err := d.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap depot: %w", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go waitSignals(sigCh, logger, runCancel)

	err = f.Run(runCtx)
	depotCancel()
	d.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("foreman exited with error", zap.Error(err))
	}
	logger.Info("rigsd stopped")
	return nil
}

func waitSignals(sigCh chan os.Signal, logger *zap.Logger, cancel context.CancelFunc) {
	sig := <-sigCh
	logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	cancel()

	sig = <-sigCh
	logger.Warn("received second signal, forcing exit", zap.String("signal", sig.String()))
	os.Exit(1)
}

func buildLogger(level string) (*zap.Logger, error) {
	if devLog {
		return rigslog.NewDevelopment(level)
	}
	return rigslog.New(level)
}

// configKVActiveKey and configKVReloadedAtKey are the ConfigKV keys under
// which the daemon records its currently-effective configuration, so an
// operator (or a future admin surface) can read back what rigsd is
// actually running with independent of the on-disk config file, which may
// differ mid-debounce or become unreadable after the daemon has started.
const (
	configKVActiveKey     = "active_config"
	configKVReloadedAtKey = "active_config_reloaded_at"
)

// persistActiveConfig records cfg as the daemon's current configuration.
func persistActiveConfig(ctx context.Context, kv *storage.ConfigKV, cfg config.Config) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode active config: %w", err)
	}
	if err := kv.Set(ctx, configKVActiveKey, string(encoded)); err != nil {
		return err
	}
	return kv.Set(ctx, configKVReloadedAtKey, time.Now().UTC().Format(time.RFC3339))
}

// seedRefinery registers one tank per enabled provider from cfg, preferring
// a persisted snapshot over the configured defaults when one exists.
func seedRefinery(r *refinery.Refinery, cfg config.Config, tankRepo *storage.TankRepository) {
	now := time.Now().UTC()
	persisted, err := tankRepo.LoadAll(context.Background())
	if err != nil {
		persisted = map[provider.Provider]storage.TankSnapshot{}
	}

	for p, pcfg := range cfg.Providers {
		if !pcfg.Enabled || !provider.IsExecution(p) {
			continue
		}
		windowKind := tank.RollingWindow
		if pcfg.Limits.WindowKind == string(tank.FixedDaily) {
			windowKind = tank.FixedDaily
		}
		t := tank.New(p, pcfg.Limits.TokensPerWindow, windowKind, pcfg.Limits.WindowHours,
			pcfg.ThresholdYellow, pcfg.ThresholdRed, pcfg.Limits.RequestsPerMinute, now)

		if snap, ok := persisted[p]; ok {
			t.Capacity = snap.Capacity
			t.Remaining = snap.Remaining
			t.WindowStart = snap.WindowStart
			t.WindowEnd = snap.WindowEnd
			t.Health = snap.Health
			t.RequestsThisWindow = snap.RequestsThisWindow
			t.TokensThisWindow = snap.TokensThisWindow
			t.LastRequest = snap.LastRequest
			t.UpdatedAt = snap.UpdatedAt
		}

		r.AddTank(t)
		r.SetRefreshAdapter(p, refinery.NullRefreshAdapter{Refinery: r})
	}
}

// buildPolecats wires a CLIPolecat per enabled execution provider, reading
// its command template from the PROVIDER_CLI_COMMAND environment variable
// convention (e.g. CLAUDE_CLI_COMMAND) since CLI installation paths are a
// deployment-specific concern outside this package.
func buildPolecats(cfg config.Config) map[provider.Provider]polecat.Polecat {
	out := map[provider.Provider]polecat.Polecat{}
	for _, p := range provider.Execution {
		pcfg, ok := cfg.Providers[p]
		if !ok || !pcfg.Enabled {
			continue
		}
		envKey := envPrefix(p) + "_CLI_COMMAND"
		raw := os.Getenv(envKey)
		if raw == "" {
			continue
		}
		out[p] = polecat.NewCLIPolecat(polecat.CLIConfig{
			Command:          polecat.CommandTemplate{"/bin/sh", "-c", raw},
			RateLimitMarkers: []string{"rate limit", "429", "quota exceeded"},
		})
	}
	return out
}

func envPrefix(p provider.Provider) string {
	switch p {
	case provider.Claude:
		return "CLAUDE"
	case provider.Codex:
		return "CODEX"
	case provider.Gemini:
		return "GEMINI"
	default:
		return string(p)
	}
}

type completionRecorderAdapter struct {
	repo *storage.CompletionRepository
}

func (a completionRecorderAdapter) RecordCompletion(ctx context.Context, record foreman.CompletionRecord) error {
	return a.repo.RecordCompletion(ctx, storage.Completion{
		BeadID:          record.BeadID,
		Provider:        record.Provider,
		EstimatedTokens: record.EstimatedTokens,
		ActualTokens:    record.ActualTokens,
		DurationMs:      record.DurationMs,
		Success:         record.Success,
		QualityScore:    record.QualityScore,
		OriginalPrompt:  record.OriginalPrompt,
		OptimizedPrompt: record.OptimizedPrompt,
		ErrorMessage:    record.ErrorMessage,
		CompletedAt:     record.CompletedAt,
	})
}

type tankPersisterAdapter struct {
	repo *storage.TankRepository
}

func (a tankPersisterAdapter) SaveTank(ctx context.Context, snap refinery.FullSnapshot) error {
	return a.repo.Save(ctx, storage.TankSnapshot{
		Provider:           snap.Provider,
		Capacity:           snap.Capacity,
		Remaining:          snap.Remaining,
		WindowStart:        snap.WindowStart,
		WindowEnd:          snap.WindowEnd,
		Health:             snap.Health,
		LastRequest:        snap.LastRequest,
		RequestsThisWindow: snap.RequestsThisWindow,
		TokensThisWindow:   snap.TokensThisWindow,
		UpdatedAt:          snap.UpdatedAt,
	})
}
