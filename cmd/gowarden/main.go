package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-warden/internal/approval"
	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/coordinator"
	"github.com/basket/go-warden/internal/cron"
	"github.com/basket/go-warden/internal/gate"
	"github.com/basket/go-warden/internal/lifecycle"
	otelPkg "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/routing"
	"github.com/basket/go-warden/internal/runner"
	"github.com/basket/go-warden/internal/telemetry"
	"github.com/basket/go-warden/internal/workitem"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s serve                    Run the coordinator, scheduler, and consumer loops
  %s status                   Show queue depths, work-item counts, and dead letters
  %s submit [-scope <id>] <text>
                              Enqueue a user message for planning
  %s approve [-deny] [-standing] [-executions <n>] [-ttl <d>] <work-item-id>
                              Issue a signed approval token for a work item

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOWARDEN_HOME           Data directory (default: ~/.gowarden)
  GOWARDEN_LOG_LEVEL      Log level override (debug, info, warn, error)
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch command {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		runServe(ctx)
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "submit":
		os.Exit(runSubmitCommand(ctx, args))
	case "approve":
		os.Exit(runApproveCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage()
		os.Exit(2)
	}
}

func runServe(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Initialize audit before the logger so logger failures are audited.
	// Audit only needs the home directory, not the logger itself.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Crash recovery: every leased message goes back to queued. The
	// idempotency ledger makes the resulting redeliveries harmless.
	recovered, err := store.RecoverLeased(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	if recovered > 0 {
		metrics.LeaseRecoveries.Add(ctx, recovered)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	signer, err := approval.LoadOrCreateSigner(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_SIGNER_INIT", err)
	}
	approvals := approval.NewEngine(store, signer)

	gateEval, err := gate.NewEvaluator(cfg.GateProvider, config.PolicyPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_GATE_INIT", err)
	}
	gates := gate.Audited{Inner: gateEval}
	logger.Info("startup phase", "phase", "policy_loaded", "gate_provider", cfg.GateProvider, "policy_version", gates.Version())

	planner, err := runner.NewCommandPlanner(cfg.PlannerCommand, logger)
	if err != nil {
		fatalStartup(logger, "E_PLANNER_UNCONFIGURED", err)
	}
	attempts, err := runner.NewCommandRunner(cfg.ExecutorCommand)
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_UNCONFIGURED", err)
	}

	router := routing.NewRouter(store)
	engine := lifecycle.NewEngine(lifecycle.Config{
		Store:          store,
		Approvals:      approvals,
		Router:         router,
		Gates:          gates,
		Attempts:       attempts,
		Verifier:       runner.ArtifactVerifier{},
		Bus:            eventBus,
		Logger:         logger,
		ConsultTimeout: cfg.ConsultTimeout(),
		PlannerBudget: workitem.Budget{
			MaxPlannerCalls: cfg.PlannerBudget.MaxPlannerCalls,
			MaxTokens:       cfg.PlannerBudget.MaxTokens,
			MaxCostUSD:      cfg.PlannerBudget.MaxCostUSD,
		},
	})

	coord := coordinator.New(coordinator.Config{
		Store:             store,
		Lifecycle:         engine,
		Approvals:         approvals,
		Router:            router,
		Planner:           planner,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		WorkspaceRoot:     config.WorkspaceRoot(cfg.HomeDir),
		LeaseDuration:     cfg.LeaseDuration(),
		GlobalConcurrency: cfg.GlobalConcurrency,
		ScopeConcurrency:  cfg.ScopeConcurrency,
	})
	coord.Start(ctx)
	defer coord.Stop()
	logger.Info("startup phase", "phase", "coordinator_started")

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   logger,
		Interval: cfg.SchedulerInterval(),
	})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	// Gate policy hot-reload. A rejected reload keeps the previous policy.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	if live, ok := gateEval.(*gate.LivePolicy); ok {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "policy.yaml" {
					continue
				}
				if err := live.ReloadFromFile(ev.Path); err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
					continue
				}
				logger.Info("policy.yaml hot-reloaded", "policy_version", live.Version())
			}
		}()
	}

	// Periodic retention: acked-message tombstones, dead letters, audit rows,
	// and nonces past the longest token horizon.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := store.RunRetention(ctx,
					cfg.Retention.ProcessedMessagesDays,
					cfg.Retention.DeadLettersDays,
					cfg.Retention.AuditLogDays,
				)
				if err != nil {
					logger.Error("retention job failed", "error", err)
					continue
				}
				pruned, err := store.PruneNonces(ctx, 7*24*time.Hour, 24*time.Hour)
				if err != nil {
					logger.Error("nonce pruning failed", "error", err)
				}
				if result.ProcessedLedger+result.DeadLetters+result.AuditLog+pruned > 0 {
					logger.Info("retention job completed",
						"purged_processed", result.ProcessedLedger,
						"purged_dead_letters", result.DeadLetters,
						"purged_audit_logs", result.AuditLog,
						"pruned_nonces", pruned,
					)
				}
			}
		}
	}()

	logger.Info("gowarden serving", "version", Version, "home", cfg.HomeDir)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	// Coordinator and scheduler drain via deferred Stops; the store closes
	// last so in-flight acks land.
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
