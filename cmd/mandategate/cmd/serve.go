package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	httpserver "github.com/mandategate/mandategate/internal/adapter/inbound/http"
	"github.com/mandategate/mandategate/internal/adapter/outbound/auditfile"
	"github.com/mandategate/mandategate/internal/adapter/outbound/cel"
	"github.com/mandategate/mandategate/internal/adapter/outbound/memory"
	"github.com/mandategate/mandategate/internal/adapter/outbound/redisstate"
	"github.com/mandategate/mandategate/internal/adapter/outbound/sqlite"
	"github.com/mandategate/mandategate/internal/config"
	"github.com/mandategate/mandategate/internal/runtime"
	"github.com/mandategate/mandategate/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mandate authority server",
	Long: `Start the mandategate HTTP server.

The server issues mandates, manages agents, policies, and rules, records
the audit trail, and propagates kill signals to runtime state backends.

Examples:
  # Start with config file settings
  mandategate serve

  # Start with a specific config file
  mandategate --config /path/to/config.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("mandategate stopped")
	return nil
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := sqlite.Open(cfg.Database.URL, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	agentStore := sqlite.NewAgentStore(db)
	killStore := sqlite.NewKillStore(db)
	policyStore := sqlite.NewPolicyStore(db)
	ruleStore := sqlite.NewRuleStore(db)
	mandateStore := sqlite.NewMandateStore(db)
	auditStore := sqlite.NewAuditStore(db)

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("create expression evaluator: %w", err)
	}

	auditOpts := []service.AuditOption{
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(parseDurationOr(cfg.Audit.FlushInterval, time.Second, "flush_interval", logger)),
		service.WithSendTimeout(parseDurationOr(cfg.Audit.SendTimeout, 100*time.Millisecond, "send_timeout", logger)),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	}
	if cfg.Audit.MirrorDir != "" {
		mirror, err := auditfile.New(auditfile.Config{
			Dir:           cfg.Audit.MirrorDir,
			RetentionDays: cfg.Audit.MirrorRetentionDays,
			MaxFileSizeMB: cfg.Audit.MirrorMaxFileSizeMB,
		}, logger)
		if err != nil {
			return fmt.Errorf("open audit mirror: %w", err)
		}
		defer func() { _ = mirror.Close() }()
		auditOpts = append(auditOpts, service.WithMirror(mirror))
		logger.Info("audit mirror enabled", "dir", cfg.Audit.MirrorDir)
	}
	auditService := service.NewAuditService(auditStore, logger, auditOpts...)
	auditService.Start(ctx)
	defer func() { _ = auditService.Close() }()

	agentService := service.NewAgentService(agentStore, logger)
	policyAdmin := service.NewPolicyAdminService(policyStore, logger)
	ruleAdmin := service.NewRuleAdminService(ruleStore, policyStore, evaluator, logger)
	ruleEval := service.NewRuleEvalService(ruleStore, policyStore, evaluator, logger)
	issuance := service.NewIssuanceService(agentStore, killStore, mandateStore, ruleEval, auditService, logger)

	// Kill propagation reaches every state backend. The memory manager
	// serves single-process deployments; Redis is the shared backend for
	// distributed enforcement.
	states := []runtime.Manager{memory.NewStateManager()}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		states = append(states, redisstate.New(client, redisstate.WithLogger(logger)))
		logger.Info("redis state backend connected", "addr", cfg.Redis.Addr)
	}
	defer func() {
		for _, m := range states {
			_ = m.Close()
		}
	}()

	killService := service.NewKillService(agentStore, killStore, states, auditService, logger)

	if cfg.SeedFile != "" {
		if err := seedFromFile(ctx, cfg.SeedFile, agentService, policyAdmin, ruleAdmin, logger); err != nil {
			return fmt.Errorf("seed from %s: %w", cfg.SeedFile, err)
		}
	}

	health := httpserver.NewHealthChecker(
		func(r *stdhttp.Request) error { return db.Ping(r.Context()) },
		db.Stats,
		db.MaxConnections(),
		auditService,
	)

	server := httpserver.NewServer(
		agentService, policyAdmin, ruleAdmin, issuance, killService, auditService,
		func() float64 { return float64(auditService.DroppedRecords()) },
		httpserver.WithAddr(cfg.Server.HTTPAddr),
		httpserver.WithAdminSecret(cfg.Server.BootstrapSecret),
		httpserver.WithLogger(logger),
		httpserver.WithHealthChecker(health),
	)

	logger.Info("mandategate starting",
		"addr", cfg.Server.HTTPAddr,
		"environment", cfg.Server.Environment,
		"redis", cfg.Redis.Enabled,
	)
	return server.Start(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDurationOr(value string, fallback time.Duration, field string, logger *slog.Logger) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "field", field, "value", value, "default", fallback)
		return fallback
	}
	return d
}
