// Command taskrund is the task run scheduling daemon: it owns the
// durable run store, the lease sweepers, the notification retrier, the
// HTTP gateway, and (optionally) a local worker pool driven by an
// executor command.
package main

import (
	"bufio"
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

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskrun/internal/bus"
	"github.com/basket/taskrun/internal/config"
	"github.com/basket/taskrun/internal/gateway"
	"github.com/basket/taskrun/internal/notify"
	otelPkg "github.com/basket/taskrun/internal/otel"
	"github.com/basket/taskrun/internal/persistence"
	"github.com/basket/taskrun/internal/scheduler"
	"github.com/basket/taskrun/internal/shared"
	"github.com/basket/taskrun/internal/telemetry"
	"github.com/basket/taskrun/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	dotenv := loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("taskrund", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("taskrund %s · home %s · bind %s\n", Version, cfg.HomeDir, cfg.BindAddr)
	}
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "needs_genesis", cfg.NeedsGenesis)
	if len(dotenv) > 0 {
		logger.Info("dotenv applied", "vars", dotenv)
	}

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN", err)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	if err := metrics.RegisterQueueDepth(func(ctx context.Context) (int64, error) {
		counts, err := store.CountRuns(ctx)
		return int64(counts.Queued), err
	}); err != nil {
		logger.Warn("queue depth gauge registration failed", "error", err)
	}

	// Startup recovery: leases held by workers that died with the
	// previous process are reclaimed immediately instead of waiting
	// for the first sweep.
	recovered, err := store.ReclaimExpired(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "reclaimed", recovered)

	sweeper := scheduler.New(scheduler.Config{
		Store:            store,
		Logger:           logger,
		Metrics:          metrics,
		ReclaimInterval:  time.Duration(cfg.Scheduler.ReclaimSeconds) * time.Second,
		DeadlineInterval: time.Duration(cfg.Scheduler.DeadlineSeconds) * time.Second,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	senders := []notify.Sender{notify.NewWebhookSender(cfg.Notify.Webhook)}
	if cfg.Notify.EmailEnabled || cfg.Notify.SMTP.Host != "" {
		senders = append(senders, notify.NewEmailSender(cfg.Notify.SMTP))
	} else {
		logger.Info("email notifications disabled, smtp host not configured")
	}
	retrier := notify.New(notify.Config{
		Store:        store,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Senders:      senders,
		PollInterval: time.Duration(cfg.Notify.PollSeconds) * time.Second,
		MaxAttempts:  cfg.Notify.MaxAttempts,
	})
	retrier.Start(ctx)
	defer retrier.Stop()

	var pool *worker.Pool
	if len(cfg.Worker.Command) > 0 {
		pool = worker.New(worker.Config{
			Store:           store,
			Logger:          logger,
			Metrics:         metrics,
			Tracer:          otelProvider.Tracer,
			Executor:        &commandExecutor{argv: cfg.Worker.Command},
			Count:           cfg.Worker.Count,
			AgentName:       cfg.Worker.AgentName,
			Capabilities:    cfg.Worker.Capabilities,
			ModelsSupported: cfg.Worker.ModelsSupported,
			PollInterval:    time.Duration(cfg.Worker.PollSeconds) * time.Second,
			LeaseDuration:   cfg.LeaseDuration(),
			RunTimeout:      time.Duration(cfg.Worker.RunTimeoutSeconds) * time.Second,
		})
		pool.Start(ctx)
		defer pool.Stop()
	} else {
		logger.Info("no worker command configured, running scheduler-only")
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		BindAddr:          cfg.BindAddr,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err := gw.Start(); err != nil {
		fatalStartup(logger, "E_GATEWAY_START", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	logger.Info("taskrund started", "version", Version, "bind_addr", cfg.BindAddr)
	<-ctx.Done()

	logger.Info("shutdown requested", "drain_timeout", cfg.DrainTimeout().String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	if pool != nil {
		pool.Stop()
	}
	retrier.Stop()
	sweeper.Stop()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskrund","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv applies KEY=VALUE lines from path to the environment,
// never overriding variables already set. The applied pairs come back
// with secret-looking values masked so startup can log them.
func loadDotEnv(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var applied []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
		applied = append(applied, key+"="+shared.RedactEnvValue(key, val))
	}
	return applied
}

// loadAuthToken reads the persisted API token, generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
