package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/skillforge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:      home,
		WorkspaceDir: filepath.Join(home, "workspace"),
		BindAddr:     "127.0.0.1:0",
		Pool:         config.PoolConfig{MaxConcurrent: 2, IdleTimeoutSeconds: 60},
		Agent:        config.AgentConfig{Command: "sh"},
	}
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("check %q not run", name)
	return CheckResult{}
}

func TestRun_HealthyEnvironment(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, nil, "test")

	for _, name := range []string{"Config", "Database", "Sessions", "Workspace", "Pipeline", "Gateway"} {
		if r := find(t, d, name); r.Status != StatusPass {
			t.Fatalf("expected %s PASS, got %+v", name, r)
		}
	}
	if d.System.Version != "test" {
		t.Fatalf("expected version in system info, got %q", d.System.Version)
	}
}

func TestCheckConfig_MissingPoolLimits(t *testing.T) {
	r := checkConfig(&config.Config{}, config.ErrPoolLimitsRequired)
	if r.Status != StatusFail || r.Detail == "" {
		t.Fatalf("expected FAIL with remediation detail, got %+v", r)
	}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	if r := checkConfig(nil, nil); r.Status != StatusFail {
		t.Fatalf("expected FAIL for nil config, got %s", r.Status)
	}
}

func TestCheckAgentRuntime_Missing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Command = "definitely-not-an-agent-binary"
	r := checkAgentRuntime(context.Background(), cfg)
	if r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckPipeline_InvalidFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PipelineFile = filepath.Join(cfg.HomeDir, "pipeline.yaml")
	if err := os.WriteFile(cfg.PipelineFile, []byte("steps: []\n"), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	if r := checkPipeline(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for empty pipeline, got %+v", r)
	}
}

func TestCheckPipeline_MissingPrompt(t *testing.T) {
	cfg := testConfig(t)
	cfg.PipelineFile = filepath.Join(cfg.HomeDir, "pipeline.yaml")
	def := "steps:\n  - id: research\n    kind: automated\n    prompt: research.md\n    markers: [research.md]\n"
	if err := os.WriteFile(cfg.PipelineFile, []byte(def), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	r := checkPipeline(context.Background(), cfg)
	if r.Status != StatusFail || r.Detail != "research" {
		t.Fatalf("expected FAIL naming the step, got %+v", r)
	}
}

func TestCheckBindAddr_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkBindAddr(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN for busy address, got %+v", r)
	}
}

func TestCheckOrphanSweep(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want string
	}{
		{"disabled", "", StatusSkip},
		{"descriptor", "@every 1m", StatusPass},
		{"cron expression", "*/5 * * * *", StatusPass},
		{"invalid", "every minute", StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Pool.OrphanSweep = tt.spec
			if r := checkOrphanSweep(context.Background(), cfg); r.Status != tt.want {
				t.Fatalf("status = %s, want %s (%+v)", r.Status, tt.want, r)
			}
		})
	}
}

func TestDiagnosis_Failed(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{{Status: StatusPass}, {Status: StatusWarn}}}
	if d.Failed() {
		t.Fatal("warnings alone must not fail")
	}
	d.Results = append(d.Results, CheckResult{Status: StatusFail})
	if !d.Failed() {
		t.Fatal("expected failure")
	}
}
