package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/skillforge/internal/audit"
	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/config"
	"github.com/basket/skillforge/internal/cron"
	"github.com/basket/skillforge/internal/gateway"
	"github.com/basket/skillforge/internal/liveness"
	otelPkg "github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
	"github.com/basket/skillforge/internal/pool"
	"github.com/basket/skillforge/internal/reconcile"
	"github.com/basket/skillforge/internal/runs"
	"github.com/basket/skillforge/internal/telemetry"
	"github.com/basket/skillforge/internal/tui"
	"github.com/basket/skillforge/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: skillforge [command] [args]

COMMANDS:
  serve                      Reconcile, then serve the gateway (default)
  init -max-concurrent N -idle-timeout SECONDS
                             Write pool limits to config.yaml
  create [-type T] <skill>   Register a new skill and its workspace
  start <skill>              Run the skill from its first unfinished step
  resume <skill>             Complete the waiting manual step and continue
  retry <skill>              Reset the failed step and run again
  rerun <skill> <step>       Reset a step and every later step to pending
  status [-history N] [skill]
                             Show step statuses (read-only while serve runs)
  reconcile [-json]          Run startup reconciliation and print the report
  doctor [-json]             Run diagnostic checks
  backup <file>              Write a consistent copy of the database

ENVIRONMENT VARIABLES:
  SKILLFORGE_HOME            Data directory (default: ~/.skillforge)
  SKILLFORGE_NO_TUI          Set to 1 to print plain progress lines
  SKILLFORGE_AUTH_TOKEN      Bearer token required by the gateway
`)
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}
	os.Exit(dispatch(ctx, cmd, args))
}

func dispatch(ctx context.Context, cmd string, args []string) int {
	switch cmd {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "serve":
		return runServe(ctx)
	case "init":
		return runInitCommand(args)
	case "create":
		return runCreateCommand(ctx, args)
	case "start", "resume", "retry":
		return runExecuteCommand(ctx, cmd, args)
	case "rerun":
		return runRerunCommand(ctx, args)
	case "status":
		return runStatusCommand(ctx, args)
	case "reconcile":
		return runReconcileCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args)
	case "backup":
		return runBackupCommand(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		return 2
	}
}

// runtime is the wired process: every command that touches skills boots one.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	bus       *bus.Bus
	otel      *otelPkg.Provider
	metrics   *otelPkg.Metrics
	store     *persistence.Store
	pipeline  *pipeline.Pipeline
	workspace pipeline.Workspace
	runs      *runs.Aggregator
	pool      *pool.Pool
	machine   *workflow.Machine

	closers []func()
}

type bootOptions struct {
	// quiet keeps logs out of stdout so the live view and command output stay clean.
	quiet bool
}

// boot wires the runtime and runs startup reconciliation. Failures exit the
// process through fatalStartup. The machine is ready on return.
func boot(ctx context.Context, opts bootOptions) (*runtime, reconcile.Report) {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrPoolLimitsRequired) {
			err = fmt.Errorf("%w (run `skillforge init -max-concurrent N -idle-timeout SECONDS`)", err)
		}
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// One process at a time may reconcile and execute against this home.
	lock, err := config.LockHome(cfg.HomeDir)
	if err != nil {
		if errors.Is(err, config.ErrHomeLocked) {
			err = fmt.Errorf("%w (is `skillforge serve` running? drive skills through its gateway, or stop it first)", err)
		}
		fatalStartup(nil, "E_HOME_LOCKED", err)
	}
	rt := &runtime{cfg: cfg, bus: bus.New()}
	rt.closers = append(rt.closers, func() { _ = lock.Unlock() })

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	rt.closers = append(rt.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	rt.logger = logger
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	if err := audit.Init(cfg.HomeDir); err != nil {
		rt.fatal("E_AUDIT_INIT", err)
	}
	rt.closers = append(rt.closers, func() { _ = audit.Close() })

	rt.otel, err = otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		rt.fatal("E_OTEL_INIT", err)
	}
	rt.closers = append(rt.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.otel.Shutdown(shutdownCtx)
	})
	rt.metrics, err = otelPkg.NewMetrics(rt.otel.Meter)
	if err != nil {
		rt.fatal("E_OTEL_INIT", err)
	}

	rt.store, err = persistence.Open(cfg.DBPath(), rt.bus)
	if err != nil {
		rt.fatal("E_STORE_OPEN", err)
	}
	rt.closers = append(rt.closers, func() { _ = rt.store.Close() })
	audit.SetRecorder(rt.store)
	logger.Info("startup phase", "phase", "schema_migrated")

	rt.pipeline, err = pipeline.Load(cfg.PipelineFile)
	if err != nil {
		rt.fatal("E_PIPELINE_LOAD", err)
	}
	rt.workspace = pipeline.Workspace{Root: cfg.WorkspaceDir}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		rt.fatal("E_WORKSPACE_CREATE", err)
	}

	rt.runs = runs.NewAggregator(runs.Config{
		Interval: cfg.FlushInterval(),
		Saver:    rt.store,
		Bus:      rt.bus,
		Observer: otelPkg.RunObserver{M: rt.metrics},
		Logger:   logger,
	})
	rt.runs.Start(ctx)
	rt.closers = append(rt.closers, rt.runs.Stop)

	rt.pool, err = pool.New(pool.Config{Limits: poolLimits(cfg), Logger: logger, Bus: rt.bus})
	if err != nil {
		rt.fatal("E_POOL_INIT", err)
	}
	rt.closers = append(rt.closers, rt.pool.Close)

	rt.machine = workflow.New(workflow.Config{
		Store:     rt.store,
		Spawner:   rt.pool,
		Telemetry: rt.runs,
		Pipeline:  rt.pipeline,
		Workspace: rt.workspace,
		Agent: workflow.AgentConfig{
			Command:   cfg.Agent.Command,
			ExtraArgs: cfg.Agent.ExtraArgs,
			Env:       cfg.Agent.Env,
		},
		Cleaner: workflow.WorkspaceCleaner{Workspace: rt.workspace},
		HomeDir: cfg.HomeDir,
		Bus:     rt.bus,
		Logger:  logger,
		Tracer:  rt.otel.Tracer,
		Metrics: rt.metrics,
	})
	rt.closers = append(rt.closers, rt.machine.Close)

	engine, err := reconcile.New(reconcile.Config{
		Store:     rt.store,
		Pipeline:  rt.pipeline,
		Workspace: rt.workspace,
		Liveness:  liveness.OS{},
		Processes: rt.pool,
		Bus:       rt.bus,
		Logger:    logger,
		Tracer:    rt.otel.Tracer,
		Metrics:   rt.metrics,
	})
	if err != nil {
		rt.fatal("E_RECONCILE_INIT", err)
	}
	report, err := engine.Run(ctx)
	if err != nil {
		rt.fatal("E_RECONCILE", err)
	}
	logger.Info("startup phase", "phase", "reconciled",
		"skills", len(report.Skills),
		"mutations", report.Mutations,
		"reclaimed_sessions", len(report.Reclaimed),
		"skipped", len(report.Skipped),
		"duration_ms", report.Duration.Milliseconds())

	rt.machine.MarkReady()
	return rt, report
}

// Close releases resources in reverse boot order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *runtime) fatal(reasonCode string, err error) {
	rt.Close()
	fatalStartup(rt.logger, reasonCode, err)
}

func poolLimits(cfg config.Config) pool.Limits {
	return pool.Limits{
		MaxConcurrent: cfg.Pool.MaxConcurrent,
		IdleTimeout:   cfg.IdleTimeout(),
		GracePeriod:   cfg.GracePeriod(),
	}
}

func runServe(ctx context.Context) int {
	rt, _ := boot(ctx, bootOptions{})
	defer rt.Close()
	logger := rt.logger

	if host, _, err := net.SplitHostPort(rt.cfg.BindAddr); err == nil && !isLoopback(host) && len(rt.cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", rt.cfg.BindAddr)
	}
	authToken, err := loadAuthToken(rt.cfg.HomeDir, rt.cfg.BindAddr)
	if err != nil {
		rt.fatal("E_AUTH_TOKEN", err)
	}

	if spec := strings.TrimSpace(rt.cfg.Pool.OrphanSweep); spec != "" {
		sched, err := cron.NewScheduler(cron.Config{
			Logger: logger,
			Jobs: []cron.Job{{
				Name: "orphan-sweep",
				Spec: spec,
				Run: func(ctx context.Context) error {
					res, err := rt.pool.SweepOrphans(ctx, rt.store, liveness.OS{})
					if len(res.Reclaimed) > 0 {
						logger.Info("orphaned sessions reclaimed", "sessions", res.Reclaimed)
					}
					return err
				},
			}},
		})
		if err != nil {
			rt.fatal("E_SCHEDULER_INIT", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
		next, _ := cron.NextRunTime(spec, time.Now())
		logger.Info("startup phase", "phase", "scheduler_started", "orphan_sweep", spec, "next_sweep_at", next)
	}

	watcher := config.NewWatcher(rt.cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go rt.applyReloads(watcher.Events())
	}

	gw := gateway.New(gateway.Config{
		Workflow:          rt.machine,
		Store:             rt.store,
		Runs:              rt.runs,
		Pool:              rt.pool,
		Bus:               rt.bus,
		AuthToken:         authToken,
		AllowOrigins:      rt.cfg.AllowOrigins,
		ConfigFingerprint: rt.cfg.Fingerprint(),
		Version:           Version,
		Telemetry:         rt.otel,
		Metrics:           rt.metrics,
		Tracer:            rt.otel.Tracer,
		Logger:            logger,
	})

	ln, err := net.Listen("tcp", rt.cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: %s", err, portOccupantHint(rt.cfg.BindAddr))
		}
		rt.fatal("E_BIND", err)
	}
	logger.Info("startup phase", "phase", "gateway_bound", "addr", ln.Addr().String())

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

// applyReloads re-reads config.yaml on change and applies the pool limits.
// Other keys take effect on restart.
func (rt *runtime) applyReloads(events <-chan config.ReloadEvent) {
	for ev := range events {
		if ev.Path == rt.cfg.PipelineFile {
			rt.logger.Warn("pipeline file changed; restart to apply", "path", ev.Path)
			continue
		}
		cfg, err := config.Load()
		if err != nil {
			rt.logger.Warn("config reload rejected", "error", err)
			continue
		}
		if err := rt.pool.SetLimits(poolLimits(cfg)); err != nil {
			rt.logger.Warn("pool limits rejected", "error", err)
			continue
		}
		rt.logger.Info("pool limits reloaded",
			"max_concurrent", cfg.Pool.MaxConcurrent,
			"idle_timeout", cfg.IdleTimeout(),
			"config", cfg.Fingerprint())
	}
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isLoopback(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS and Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadAuthToken returns the gateway bearer token: SKILLFORGE_AUTH_TOKEN, then
// <home>/auth.token. A loopback bind without either runs unauthenticated; any
// other bind gets a generated token persisted on first run.
func loadAuthToken(homeDir, bindAddr string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("SKILLFORGE_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	if host, _, err := net.SplitHostPort(bindAddr); err == nil && isLoopback(host) {
		return "", nil
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// followSession renders the skill's session until it ends or parks. The
// subscription must be taken before the session is started.
func (rt *runtime) followSession(ctx context.Context, sub *bus.Subscription, sk persistence.Skill) (tui.Summary, error) {
	cfg := tui.Config{Bus: rt.bus, Pipeline: rt.pipeline, Skill: sk, Sub: sub}
	if tui.Interactive(os.Stdout) {
		return tui.Run(ctx, cfg)
	}
	return tui.Follow(ctx, os.Stdout, cfg)
}
