package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/worklens/worklens/internal/audit"
	"github.com/worklens/worklens/internal/config"
	"github.com/worklens/worklens/internal/daemon"
	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/ingest"
	"github.com/worklens/worklens/internal/presence"
	"github.com/worklens/worklens/internal/reporter"
	"github.com/worklens/worklens/internal/session"
	"github.com/worklens/worklens/internal/web"
)

var (
	version = "0.1.0"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	command := os.Args[1]

	switch command {
	case "serve":
		serve(false)
	case "start":
		startDaemon()
	case "stop":
		stopDaemon()
	case "status":
		showStatus()
	case "report":
		generateReport()
	case "version":
		fmt.Printf("worklens version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`worklens - work-activity time accounting server

Usage:
  worklens <command> [options]

Commands:
  serve              Run the ingestion/presence API server in the foreground
  start              Start the server as a background daemon
  stop               Stop the background daemon
  status             Show daemon status
  report [period]    Generate usage report (period: day, week, month)
  version            Show version information
  help               Show this help message

Examples:
  worklens serve
  worklens start
  worklens report week
  worklens stop

Environment Variables:
  WORKLENS_DB_PATH              Database file path
  WORKLENS_HOST                 API bind host
  WORKLENS_PORT                 API bind port
  WORKLENS_RATE_LIMIT           Ordinary events per device per minute
  WORKLENS_VIOLATION_THRESHOLD  Over-limit windows before circuit break
  WORKLENS_RATE_COOLDOWN        Circuit breaker cooldown in seconds
  WORKLENS_PRESENCE_TTL         Presence freshness window in seconds
  WORKLENS_REDIS_ADDR           Optional Redis address for the presence cache
  WORKLENS_AUDIT_ENABLED        Enable the integrity audit sweeper
  WORKLENS_PID_FILE             PID file path

Version: %s
`, version)
}

func serve(asDaemon bool) {
	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logWriter := os.Stderr
	if asDaemon {
		f, err := os.OpenFile("/tmp/worklens.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logWriter = f
			defer f.Close()
		}
	}
	logger := slog.Make(sloghuman.Sink(logWriter)).Leveled(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.Database.Path)
	if err != nil {
		logger.Fatal(ctx, "failed to connect to database", slog.Error(err))
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		logger.Fatal(ctx, "failed to initialize database", slog.Error(err))
	}

	var rdb *redis.Client
	if cfg.Presence.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr})
		ping := func() error { return rdb.Ping(ctx).Err() }
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
		if err := backoff.Retry(ping, policy); err != nil {
			logger.Warn(ctx, "redis unreachable, presence cache degrades to local tiers", slog.Error(err))
			rdb = nil
		}
	}

	clock := quartz.NewReal()
	repo := database.NewRepository(db)
	splitter := session.NewSplitter(logger)
	engine := session.NewEngine(logger, splitter)
	cache := presence.New(logger, repo, rdb, clock, cfg.Presence.TTL)
	limiter := ingest.NewLimiter(ingest.LimiterConfig{
		Limit:              cfg.Ingest.RateLimit,
		Window:             cfg.Ingest.RateWindow,
		ViolationThreshold: cfg.Ingest.ViolationThreshold,
		Cooldown:           cfg.Ingest.Cooldown,
	}, clock)
	gateway := ingest.NewGateway(logger, repo, engine, splitter, limiter, cache)
	rep := reporter.New(repo, clock)

	handler := web.NewHandler(logger, repo, gateway, engine, cache, rep, clock)
	server := web.NewServer(logger, cfg, web.NewRouter(logger, cfg, handler))

	limiter.Start(ctx)

	logger.Info(ctx, "starting worklens", slog.F("version", version))
	logger.Info(ctx, cfg.String())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if cfg.Audit.Enabled {
		sweeper := audit.NewService(logger, repo, clock, cfg.Audit.Interval, cfg.Audit.Lookback)
		eg.Go(func() error {
			if err := sweeper.Start(egCtx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Fatal(context.Background(), "server exited with error", slog.Error(err))
	}
	logger.Info(context.Background(), "server stopped")
}

func startDaemon() {
	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	dm := daemon.New(cfg.Daemon.PIDFile)
	running, pid, err := dm.IsRunning()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to check daemon status: %v\n", err)
		os.Exit(1)
	}
	if running {
		fmt.Fprintf(os.Stderr, "Daemon is already running (PID: %d)\n", pid)
		os.Exit(1)
	}

	if os.Getenv("WORKLENS_DAEMON_CHILD") != "1" {
		daemonize()
		return
	}

	// Child process.
	if err := dm.WritePID(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write PID file: %v\n", err)
		os.Exit(1)
	}
	defer dm.RemovePID()

	serve(true)
}

func daemonize() {
	env := os.Environ()
	env = append(env, "WORKLENS_DAEMON_CHILD=1")

	args := os.Args

	procAttr := &os.ProcAttr{
		Env:   env,
		Files: []*os.File{nil, nil, nil}, // stdin, stdout, stderr to /dev/null
		Sys: &syscall.SysProcAttr{
			Setsid: true, // Create new session
		},
	}

	process, err := os.StartProcess(args[0], args, procAttr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon process: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Daemon started successfully (PID: %d)\n", process.Pid)
	fmt.Println("Logs: /tmp/worklens.log")
}

func stopDaemon() {
	cfg := config.New()
	dm := daemon.New(cfg.Daemon.PIDFile)

	running, pid, err := dm.IsRunning()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to check daemon status: %v\n", err)
		os.Exit(1)
	}

	if !running {
		fmt.Println("Daemon is not running")
		return
	}

	fmt.Printf("Stopping daemon (PID: %d)...\n", pid)
	if err := dm.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stop daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Daemon stopped successfully")
}

func showStatus() {
	cfg := config.New()
	dm := daemon.New(cfg.Daemon.PIDFile)

	running, pid, err := dm.IsRunning()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to check daemon status: %v\n", err)
		os.Exit(1)
	}

	if !running {
		fmt.Println("Status: Not running")
		return
	}

	fmt.Printf("Status: Running (PID: %d)\n", pid)
	fmt.Printf("API: http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Database: %s\n", cfg.Database.Path)
}

func generateReport() {
	periodType := "day"
	if len(os.Args) > 2 {
		periodType = os.Args[2]
	}

	cfg := config.New()

	db, err := database.Connect(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	rep := reporter.New(repo, quartz.NewReal())

	jsonOutput := len(os.Args) > 3 && os.Args[3] == "--json"

	report, err := rep.GenerateReport(context.Background(), periodType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate report: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		jsonStr, err := rep.FormatReportJSON(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to format JSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(jsonStr)
	} else {
		fmt.Println(rep.FormatReportText(report))
	}
}
