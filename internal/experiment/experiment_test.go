package experiment

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/danshapiro/scylla/internal/adapter"
	"github.com/danshapiro/scylla/internal/checkpoint"
	"github.com/danshapiro/scylla/internal/executor"
	"github.com/danshapiro/scylla/internal/gitutil"
	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/orchestrator"
	"github.com/danshapiro/scylla/internal/resolver"
	"github.com/danshapiro/scylla/internal/workspace"
)

// countingAgent wraps SimulatedAgent to record how many times it was
// invoked, so resume tests can assert zero additional agent calls.
type countingAgent struct {
	adapter.SimulatedAgent
	calls int32
}

func (c *countingAgent) Run(ctx context.Context, req adapter.AgentRequest) (adapter.AgentResult, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.SimulatedAgent.Run(ctx, req)
}

func initTestRepo(t *testing.T) (dir, commit string) {
	t.Helper()
	dir = t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "init")
	commit, err := gitutil.HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, commit
}

func writeFixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "T0", "00-empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"prompt.md":       "do the task",
		"criteria.md":     "- completeness\n",
		"rubric.yaml":     "weights: {}\n",
		"judge_prompt.md": "grade {{agent_output_path}}",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestRunner(t *testing.T) (*Runner, model.ExperimentConfig, *countingAgent) {
	t.Helper()
	src, commit := initTestRepo(t)
	fixtureDir := writeFixtureDir(t)
	resultsRoot := t.TempDir()

	ws := workspace.New(resultsRoot)
	store := checkpoint.New(resultsRoot)
	reg := adapter.NewRegistry()
	ex := executor.New(reg, store)
	agent := &countingAgent{SimulatedAgent: adapter.SimulatedAgent{ExitCode: 0, Output: "agent output"}}
	ex.Agents.RegisterAgent("sim-agent", agent)
	ex.Agents.RegisterJudge("sim-judge-a", &adapter.SimulatedJudge{Result: adapter.JudgeResult{Score: 0.9, Passed: true, Grade: model.GradeA}})

	res := resolver.New(fixtureDir)
	orch := orchestrator.New(ex, ws, res, 2)

	cfg := model.ExperimentConfig{
		SourceRepoURL:  src,
		SourceCommit:   commit,
		Tiers:          []model.TierID{"T0"},
		RunsPerSubtest: 2,
		AgentModel:     "sim-agent",
		JudgeModels:    []string{"sim-judge-a"},
		ParallelismCap: 2,
		ResultsRoot:    resultsRoot,
		FixtureDir:     fixtureDir,
	}
	return New(cfg, ws, res, orch), cfg, agent
}

func TestRunDrivesTierToCompleteAndWritesReports(t *testing.T) {
	r, cfg, _ := newTestRunner(t)

	result, err := r.Run(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != model.ExperimentComplete {
		t.Fatalf("expected experiment COMPLETE, got %v", result.State)
	}
	tier, ok := result.Tiers["T0"]
	if !ok || tier.State != model.TierComplete {
		t.Fatalf("expected tier T0 COMPLETE, got %+v", tier)
	}

	for _, p := range []string{
		"experiment.json", "checkpoint.json", "prompt.md", "criteria.md", "rubric.yaml", "judge_prompt.md",
		"report.json", "report.md",
		filepath.Join("T0", "report.json"),
		filepath.Join("T0", "00-empty", "report.json"),
	} {
		if _, err := os.Stat(filepath.Join(cfg.ResultsRoot, p)); err != nil {
			t.Fatalf("expected artifact %s: %v", p, err)
		}
	}

	cp, err := checkpoint.New(cfg.ResultsRoot).Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	best, ok := cp.BestSubtestPerTier["T0"]
	if !ok || best == nil || *best != "00-empty" {
		t.Fatalf("expected checkpoint best_subtest_per_tier[T0] = 00-empty, got %v (ok=%v)", best, ok)
	}
}

func TestRunResumeInvokesNoAdditionalAgentCalls(t *testing.T) {
	r, cfg, agent := newTestRunner(t)

	if _, err := r.Run(context.Background(), cfg, Options{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstCalls := atomic.LoadInt32(&agent.calls)
	if firstCalls != int32(cfg.RunsPerSubtest) {
		t.Fatalf("expected %d agent calls on first run, got %d", cfg.RunsPerSubtest, firstCalls)
	}

	if _, err := r.Run(context.Background(), cfg, Options{}); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if got := atomic.LoadInt32(&agent.calls); got != firstCalls {
		t.Fatalf("expected zero additional agent calls on resume, went from %d to %d", firstCalls, got)
	}
}

func TestRunResumeAfterFailedRunInvokesNoAdditionalAgentCalls(t *testing.T) {
	r, cfg, agent := newTestRunner(t)
	agent.SimulatedAgent.ExitCode = 1
	agent.SimulatedAgent.Err = errSimulatedAgentFailure{}

	if _, err := r.Run(context.Background(), cfg, Options{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstCalls := atomic.LoadInt32(&agent.calls)
	if firstCalls != int32(cfg.RunsPerSubtest) {
		t.Fatalf("expected %d agent calls on first run, got %d", cfg.RunsPerSubtest, firstCalls)
	}

	cp, err := checkpoint.New(cfg.ResultsRoot).Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	for run := model.RunNumber(1); run <= model.RunNumber(cfg.RunsPerSubtest); run++ {
		if status, ok := cp.RunStatusOf("T0", "00-empty", run); !ok || status != model.RunFailed {
			t.Fatalf("expected run %d FAILED, got %v (ok=%v)", run, status, ok)
		}
	}

	// A second invocation against the same failed experiment must not
	// re-invoke the agent: run_result.json is terminal and stays at its
	// canonical path after a failure, same as the passed-run case above.
	if _, err := r.Run(context.Background(), cfg, Options{}); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if got := atomic.LoadInt32(&agent.calls); got != firstCalls {
		t.Fatalf("expected zero additional agent calls on resume after failure, went from %d to %d", firstCalls, got)
	}
}

type errSimulatedAgentFailure struct{}

func (errSimulatedAgentFailure) Error() string { return "simulated permanent agent failure" }

func TestRunLockfileConflictRejectsConcurrentRun(t *testing.T) {
	r, cfg, _ := newTestRunner(t)

	unlock, err := acquireLock(cfg.ResultsRoot)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer func() { _ = unlock() }()

	if _, err := r.Run(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected lockfile conflict error")
	}
}

func TestFreshQuarantinesExistingRoot(t *testing.T) {
	r, cfg, _ := newTestRunner(t)
	if _, err := r.Run(context.Background(), cfg, Options{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	if _, err := r.Run(context.Background(), cfg, Options{Fresh: true}); err != nil {
		t.Fatalf("fresh Run: %v", err)
	}

	matches, err := filepath.Glob(cfg.ResultsRoot + ".quarantine-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one quarantined directory, got %v", matches)
	}
}
