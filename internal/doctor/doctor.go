// Package doctor runs environment diagnostics for the doctor command.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/skillforge/internal/config"
	"github.com/basket/skillforge/internal/cron"
	"github.com/basket/skillforge/internal/liveness"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. cfgErr is the error Load returned, if
// any; the checks still run against the partially loaded config.
func Run(ctx context.Context, cfg *config.Config, cfgErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, cfgErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkDatabase,
		checkSessions,
		checkAgentRuntime,
		checkWorkspace,
		checkPipeline,
		checkBindAddr,
		checkOrphanSweep,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, cfgErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if errors.Is(cfgErr, config.ErrPoolLimitsRequired) {
		return CheckResult{
			Name:    "Config",
			Status:  StatusFail,
			Message: "Pool limits missing",
			Detail:  "Run `skillforge init -max-concurrent N -idle-timeout SECONDS` or set pool.max_concurrent and pool.idle_timeout_seconds",
		}
	}
	if cfgErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: cfgErr.Error()}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; limits come from the environment"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  fmt.Sprintf("max_concurrent=%d idle_timeout=%s fingerprint=%s", cfg.Pool.MaxConcurrent, cfg.IdleTimeout(), cfg.Fingerprint()),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Connection and schema valid (v%d)", version),
		Detail:  fmt.Sprintf("path=%s checksum=%s", cfg.DBPath(), checksum),
	}
}

// checkSessions warns about running sessions whose agent process is gone;
// the next start reclaims them.
func checkSessions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sessions", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Sessions", Status: StatusSkip, Message: "Database unavailable"}
	}
	defer store.Close()

	sessions, err := store.ListActiveSessions(ctx)
	if err != nil {
		return CheckResult{Name: "Sessions", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var live liveness.OS
	var stale []string
	for _, s := range sessions {
		if s.PID > 0 && !live.Alive(s.PID) {
			stale = append(stale, fmt.Sprintf("%s(pid %d)", s.SkillName, s.PID))
		}
	}
	if len(stale) > 0 {
		return CheckResult{
			Name:    "Sessions",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d session(s) with a dead agent process", len(stale)),
			Detail:  "Run `skillforge reconcile` to reclaim: " + strings.Join(stale, ", "),
		}
	}
	return CheckResult{Name: "Sessions", Status: StatusPass, Message: fmt.Sprintf("%d active session(s)", len(sessions))}
}

func checkAgentRuntime(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Runtime", Status: StatusSkip, Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Agent.Command)
	if err != nil {
		return CheckResult{
			Name:    "Agent Runtime",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found on PATH", cfg.Agent.Command),
			Detail:  "Install the agent CLI or set agent.command",
		}
	}
	return CheckResult{Name: "Agent Runtime", Status: StatusPass, Message: path}
}

func checkWorkspace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return CheckResult{Name: "Workspace", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", cfg.WorkspaceDir, err)}
	}
	testFile := filepath.Join(cfg.WorkspaceDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Workspace", Status: StatusFail, Message: fmt.Sprintf("Workspace unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Workspace", Status: StatusPass, Message: fmt.Sprintf("%s writable", cfg.WorkspaceDir)}
}

func checkPipeline(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Pipeline", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := pipeline.Load(cfg.PipelineFile)
	if err != nil {
		return CheckResult{Name: "Pipeline", Status: StatusFail, Message: err.Error()}
	}
	var missing []string
	for _, s := range p.Steps {
		if s.Kind != pipeline.KindAutomated {
			continue
		}
		if _, err := p.Prompt(s); err != nil {
			missing = append(missing, s.ID)
		}
	}
	source := cfg.PipelineFile
	if source == "" {
		source = "built-in"
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Pipeline",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d step(s) with unreadable prompts", len(missing)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Pipeline", Status: StatusPass, Message: fmt.Sprintf("%s pipeline, %d steps", source, p.Len())}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable", cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is another skillforge serving?)", err),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

func checkOrphanSweep(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Orphan Sweep", Status: StatusSkip, Message: "Config missing"}
	}
	spec := strings.TrimSpace(cfg.Pool.OrphanSweep)
	if spec == "" {
		return CheckResult{Name: "Orphan Sweep", Status: StatusSkip, Message: "Disabled"}
	}
	next, err := cron.NextRunTime(spec, time.Now())
	if err != nil {
		return CheckResult{
			Name:    "Orphan Sweep",
			Status:  StatusFail,
			Message: fmt.Sprintf("Invalid schedule %q: %v", spec, err),
			Detail:  "Set pool.orphan_sweep to a cron expression or a descriptor such as @every 1m",
		}
	}
	return CheckResult{Name: "Orphan Sweep", Status: StatusPass, Message: fmt.Sprintf("%s (next at %s)", spec, next.Format(time.RFC3339))}
}
