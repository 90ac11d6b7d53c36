// Package main is the entry point for foremand, the Foreman core
// daemon: Tool Invocation Manager, Policy & Approval Gate, Realtime
// Voice Bridge, Agent Runtime, Memory Store, and Scheduler wired
// together behind a single process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/foreman-ai/foreman/internal/agentruntime"
	"github.com/foreman-ai/foreman/internal/approvals"
	"github.com/foreman-ai/foreman/internal/briefs"
	"github.com/foreman-ai/foreman/internal/channels"
	"github.com/foreman-ai/foreman/internal/channels/discord"
	"github.com/foreman-ai/foreman/internal/channels/slack"
	"github.com/foreman-ai/foreman/internal/channels/telegram"
	"github.com/foreman-ai/foreman/internal/chatsession"
	"github.com/foreman-ai/foreman/internal/config"
	"github.com/foreman-ai/foreman/internal/controlplane"
	"github.com/foreman-ai/foreman/internal/cron"
	"github.com/foreman-ai/foreman/internal/pag"
	"github.com/foreman-ai/foreman/internal/policy"
	"github.com/foreman-ai/foreman/internal/rvb"
	"github.com/foreman-ai/foreman/internal/store"
	"github.com/foreman-ai/foreman/internal/tim"
	"github.com/foreman-ai/foreman/pkg/models"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd(logger)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd(logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "foremand",
		Short:   "foremand - Foreman assistant core daemon",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(logger))
	return rootCmd
}

func buildServeCmd(logger *slog.Logger) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until a shutdown signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.ForemanConfigPath()
			}
			return runServe(cmd.Context(), configPath, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to foreman.yaml (defaults to $FOREMAN_CONFIG or ./foreman.yaml)")
	return cmd
}

// runServe wires every subsystem in dependency order — Memory Store,
// Policy Engine, Approvals, PAG, TIM, Agent Runtime, Scheduler, RVB,
// ChatSession, Channel Adapters — and blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadForeman(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fc := cfg.Foreman
	logger = configureLogger(cfg.Logging)

	if err := os.MkdirAll(fc.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}

	st, err := store.Open(filepath.Join(fc.StorageRoot, "memory.db"), logger)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}

	rules, err := loadPolicyRules(fc.PolicyDir)
	if err != nil {
		return fmt.Errorf("load policy rules: %w", err)
	}
	shellRules, err := loadShellAllowlist(fc.ShellAllowlistDir)
	if err != nil {
		return fmt.Errorf("load shell allowlist: %w", err)
	}
	shellAllow := policy.NewShellAllowlist(shellRules)

	approvalStore := approvals.NewStore()
	ephemeralSlot := approvals.NewEphemeralSlot(approvalStore)
	gate := pag.New(&rules, approvalStore, ephemeralSlot)

	manifests, err := tim.LoadManifests(fc.ManifestDir)
	if err != nil {
		return fmt.Errorf("load tool manifests: %w", err)
	}
	toolMgr, err := tim.NewManager(manifests, shellAllow, logger)
	if err != nil {
		return fmt.Errorf("init tool manager: %w", err)
	}
	defer toolMgr.Close()

	toolMgr.RegisterInProcess("filesystem", &tim.FilesystemDispatcher{Root: fc.StorageRoot})
	toolMgr.RegisterInProcess("shell", &tim.ShellDispatcher{Root: fc.StorageRoot})
	toolMgr.RegisterInProcess("process", &tim.ProcessDispatcher{})
	toolMgr.RegisterInProcess("git", &tim.GitDispatcher{Root: fc.StorageRoot})
	toolMgr.RegisterInProcess("installer", &tim.InstallerDispatcher{Gate: gate})
	toolMgr.RegisterInProcess("project", &tim.ProjectDispatcher{Root: fc.StorageRoot})
	toolMgr.RegisterInProcess("steam", &tim.SteamDispatcher{
		LibraryDir: filepath.Join(fc.StorageRoot, "steam"),
		Invoke:     toolMgr.Invoke,
	})
	if fc.OpenAIAPIKey != "" {
		toolMgr.RegisterInProcess("codex", tim.NewCodexDispatcher(fc.OpenAIAPIKey, fc.OpenAIModel))
	}
	toolMgr.Start(ctx)

	var codex agentruntime.Codex
	if fc.OpenAIAPIKey != "" {
		codex = tim.NewCodexDispatcher(fc.OpenAIAPIKey, fc.OpenAIModel)
	}
	runtime := agentruntime.New(st, gate, approvalStore, toolMgr, codex, fc.StorageRoot)

	briefHandler := briefs.NewHandler(st, toolMgr, fc.StorageRoot, nil)
	scheduler, err := cron.NewScheduler(
		cfg.Cron,
		cron.WithAgentRunner(cron.AgentRunnerFunc(func(ctx context.Context, job *cron.Job) error {
			return runtime.Run(ctx, job.Name)
		})),
		cron.WithCustomHandler("briefs", briefHandler),
	)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop(context.Background())

	chats, err := chatsession.NewStore(fc.StorageRoot)
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}

	var rvbSession *rvb.Session
	if fc.OpenAIAPIKey != "" {
		rvbSession = rvb.NewSession(fc.RealtimeEndpoint, fc.OpenAIAPIKey, rvb.NewNullAudioDevice(), chats, gate, toolMgr, manifests, logger)
	}

	runChannelAdapters(ctx, cfg, chats, logger)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cp := controlplane.New(st, approvalStore, runtime, scheduler, logger)
	if cfg.Server.HTTPPort != 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		go func() {
			if err := cp.Serve(runCtx, addr); err != nil {
				logger.Error("control-plane server stopped", "error", err)
			}
		}()
	}

	logger.Info("foremand started",
		"storage_root", fc.StorageRoot,
		"realtime_enabled", rvbSession != nil,
		"control_plane_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
	)

	<-runCtx.Done()
	logger.Info("shutdown signal received, stopping")

	if rvbSession != nil {
		rvbSession.Stop()
	}
	return nil
}

// configureLogger rebuilds the logger from the loaded config's logging
// level/format, replacing the pre-config bootstrap logger.
func configureLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runChannelAdapters(ctx context.Context, cfg *config.Config, chats *chatsession.Store, logger *slog.Logger) {
	sessionID := "channels"
	chatBridge := channels.NewChatBridge(chats, sessionID, logger)

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.BotToken != "" {
		adapter, err := discord.NewAdapter(discord.Config{Token: cfg.Channels.Discord.BotToken, Logger: logger})
		if err != nil {
			logger.Error("discord adapter init failed", "error", err)
		} else if err := adapter.Start(ctx); err != nil {
			logger.Error("discord adapter start failed", "error", err)
		} else {
			go chatBridge.Run(ctx, adapter)
		}
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" {
		adapter := slack.NewAdapter(slack.Config{BotToken: cfg.Channels.Slack.BotToken, AppToken: cfg.Channels.Slack.AppToken})
		if err := adapter.Start(ctx); err != nil {
			logger.Error("slack adapter start failed", "error", err)
		} else {
			go chatBridge.Run(ctx, adapter)
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken != "" {
		adapter, err := telegram.NewAdapter(telegram.Config{Token: cfg.Channels.Telegram.BotToken, Mode: telegram.ModeLongPolling, Logger: logger})
		if err != nil {
			logger.Error("telegram adapter init failed", "error", err)
		} else if err := adapter.Start(ctx); err != nil {
			logger.Error("telegram adapter start failed", "error", err)
		} else {
			go chatBridge.Run(ctx, adapter)
		}
	}
}

// loadPolicyRules merges every *.yaml/*.yml file under dir, in
// filename order, the way config.Load merges topic config files.
func loadPolicyRules(dir string) (models.PolicyRules, error) {
	files, err := readYAMLFilesSorted(dir)
	if err != nil {
		return models.PolicyRules{}, err
	}
	var parsed []models.PolicyRules
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return models.PolicyRules{}, fmt.Errorf("read %s: %w", path, err)
		}
		var rules models.PolicyRules
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return models.PolicyRules{}, fmt.Errorf("parse %s: %w", path, err)
		}
		parsed = append(parsed, rules)
	}
	merged := policy.MergeRules(parsed)
	return merged, nil
}

func loadShellAllowlist(dir string) ([]models.ShellAllowlistRule, error) {
	files, err := readYAMLFilesSorted(dir)
	if err != nil {
		return nil, err
	}
	var parsed []models.ShellAllowlistFile
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var file models.ShellAllowlistFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		parsed = append(parsed, file)
	}
	return policy.MergeShellAllowlistFiles(parsed), nil
}

func readYAMLFilesSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}
