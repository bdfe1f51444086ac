package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/scylla/internal/adapter"
	"github.com/danshapiro/scylla/internal/checkpoint"
	"github.com/danshapiro/scylla/internal/model"
)

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	store := checkpoint.New(root)
	reg := adapter.NewRegistry()
	ex := New(reg, store)
	return ex, root
}

func baseSpec(t *testing.T, root, experimentID string) RunSpec {
	t.Helper()
	subtestDir := filepath.Join(root, "T0", "00-empty")
	if err := os.MkdirAll(filepath.Join(subtestDir, "workspace"), 0o755); err != nil {
		t.Fatal(err)
	}
	judgePromptPath := filepath.Join(root, "judge_prompt.md")
	if err := os.WriteFile(judgePromptPath, []byte("grade {{agent_output_path}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	return RunSpec{
		ExperimentID:    experimentID,
		Tier:            "T0",
		Subtest:         "00-empty",
		Run:             1,
		SubtestDir:      subtestDir,
		ComposedPrompt:  "do the task",
		JudgePromptPath: judgePromptPath,
		AgentModel:      "sim-agent",
		JudgeModels:     []string{"sim-judge-a", "sim-judge-b"},
	}
}

func TestExecuteHappyPathPassesAndPersistsArtifacts(t *testing.T) {
	ex, root := newTestExecutor(t)
	ex.Agents.RegisterAgent("sim-agent", &adapter.SimulatedAgent{
		ExitCode: 0,
		Output:   "agent output",
		Tokens:   model.TokenStats{Input: 100, Output: 50},
	})
	ex.Agents.RegisterJudge("sim-judge-a", &adapter.SimulatedJudge{Result: adapter.JudgeResult{Score: 0.8, Passed: true, Grade: model.GradeA}})
	ex.Agents.RegisterJudge("sim-judge-b", &adapter.SimulatedJudge{Result: adapter.JudgeResult{Score: 0.9, Passed: true, Grade: model.GradeA}})

	cp := model.NewCheckpoint("exp-1", "hash")
	spec := baseSpec(t, root, "exp-1")

	rr, err := ex.Execute(context.Background(), cp, spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !rr.Passed {
		t.Fatalf("expected run to pass, got %+v", rr)
	}
	if rr.Consensus.ValidJudgeCount != 2 {
		t.Fatalf("expected 2 valid judgments, got %d", rr.Consensus.ValidJudgeCount)
	}
	if status, ok := cp.RunStatusOf(spec.Tier, spec.Subtest, spec.Run); !ok || status != model.RunPassed {
		t.Fatalf("expected checkpoint to record PASSED, got %v (ok=%v)", status, ok)
	}

	runDir := spec.runDir()
	for _, p := range []string{"run_result.json", "task_prompt.md", filepath.Join("judge", "consensus.json")} {
		if _, err := os.Stat(filepath.Join(runDir, p)); err != nil {
			t.Fatalf("expected artifact %s: %v", p, err)
		}
	}
	for _, d := range []string{"judge_01", "judge_02"} {
		if _, err := os.Stat(filepath.Join(runDir, "judge", d, "judgment.json")); err != nil {
			t.Fatalf("expected %s/judgment.json: %v", d, err)
		}
	}
}

func TestExecuteSkipsAlreadyFinalizedRun(t *testing.T) {
	ex, root := newTestExecutor(t)
	called := false
	ex.Agents.RegisterAgent("sim-agent", &adapter.SimulatedAgent{ExitCode: 0})
	ex.Agents.RegisterJudge("sim-judge-a", &countingJudge{Result: adapter.JudgeResult{Score: 1, Passed: true}, calls: &called})
	ex.Agents.RegisterJudge("sim-judge-b", &countingJudge{Result: adapter.JudgeResult{Score: 1, Passed: true}, calls: &called})

	cp := model.NewCheckpoint("exp-1", "hash")
	spec := baseSpec(t, root, "exp-1")

	if _, err := ex.Execute(context.Background(), cp, spec); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	called = false

	if _, err := ex.Execute(context.Background(), cp, spec); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if called {
		t.Fatal("expected second Execute to skip entirely, not re-invoke judges")
	}
}

type countingJudge struct {
	Result adapter.JudgeResult
	calls  *bool
}

func (c *countingJudge) Evaluate(ctx context.Context, req adapter.JudgeRequest) (adapter.JudgeResult, error) {
	*c.calls = true
	return c.Result, nil
}

func TestExecuteReusesJudgmentsWhenAgentDidNotRun(t *testing.T) {
	ex, root := newTestExecutor(t)
	agentCalls := 0
	judgeCalls := 0
	ex.Agents.RegisterAgent("sim-agent", &countingAgent{Result: adapter.AgentResult{ExitCode: 0}, calls: &agentCalls})
	ex.Agents.RegisterJudge("sim-judge-a", &countingJudgeN{Result: adapter.JudgeResult{Score: 0.7, Passed: true}, calls: &judgeCalls})
	ex.Agents.RegisterJudge("sim-judge-b", &countingJudgeN{Result: adapter.JudgeResult{Score: 0.7, Passed: true}, calls: &judgeCalls})

	cp := model.NewCheckpoint("exp-1", "hash")
	spec := baseSpec(t, root, "exp-1")

	if _, err := ex.Execute(context.Background(), cp, spec); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if agentCalls != 1 || judgeCalls != 2 {
		t.Fatalf("expected 1 agent call and 2 judge calls on first run, got agent=%d judge=%d", agentCalls, judgeCalls)
	}

	// Simulate a fresh process: forget the in-memory checkpoint's terminal
	// status for this run, but leave the on-disk agent/result.json and
	// judge_MM/judgment.json artifacts in place, as after a crash between
	// writing the run's artifacts and recording its status in the checkpoint.
	cp2 := model.NewCheckpoint("exp-1", "hash")

	if _, err := ex.Execute(context.Background(), cp2, spec); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if agentCalls != 1 {
		t.Fatalf("expected agent not to re-run when agent/result.json is valid, got %d calls", agentCalls)
	}
	if judgeCalls != 2 {
		t.Fatalf("expected judges not to re-run when agent did not re-run, got %d calls", judgeCalls)
	}
}

type countingAgent struct {
	Result adapter.AgentResult
	calls  *int
}

func (c *countingAgent) Run(ctx context.Context, req adapter.AgentRequest) (adapter.AgentResult, error) {
	*c.calls++
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return adapter.AgentResult{}, err
	}
	b, _ := json.Marshal(struct {
		ExitCode int `json:"exit_code"`
	}{ExitCode: c.Result.ExitCode})
	return c.Result, os.WriteFile(filepath.Join(req.OutputDir, "result.json"), b, 0o644)
}

type countingJudgeN struct {
	Result adapter.JudgeResult
	calls  *int
}

func (c *countingJudgeN) Evaluate(ctx context.Context, req adapter.JudgeRequest) (adapter.JudgeResult, error) {
	*c.calls++
	return c.Result, nil
}

func TestExecuteAgentFailureLeavesRunResultAtCanonicalPath(t *testing.T) {
	ex, root := newTestExecutor(t)
	ex.Backoff.MaxRetries = 0
	agentCalls := 0
	ex.Agents.RegisterAgent("sim-agent", &countingFailingAgent{ExitCode: 1, Err: errPermanent{}, calls: &agentCalls})

	cp := model.NewCheckpoint("exp-1", "hash")
	spec := baseSpec(t, root, "exp-1")

	rr, err := ex.Execute(context.Background(), cp, spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rr.Passed {
		t.Fatal("expected failed run")
	}
	if status, ok := cp.RunStatusOf(spec.Tier, spec.Subtest, spec.Run); !ok || status != model.RunFailed {
		t.Fatalf("expected checkpoint FAILED, got %v (ok=%v)", status, ok)
	}
	if agentCalls != 1 {
		t.Fatalf("expected exactly 1 agent call, got %d", agentCalls)
	}

	// A FAILED status is terminal (§4.4 rule 1): run_result.json must stay at
	// the canonical run_NN/ path so a later invocation finds it there and
	// skips re-invoking the agent. Quarantining a finalized run's artifacts
	// is only ever done explicitly, by a --from replay.
	if _, err := os.Stat(filepath.Join(spec.runDir(), "run_result.json")); err != nil {
		t.Fatalf("expected run_result.json at canonical path: %v", err)
	}

	// A second invocation against the same checkpoint (its terminal FAILED
	// status intact, the same artifacts on disk) is the default-resume path:
	// it must find run_result.json at spec.runDir() and skip straight past
	// the agent entirely, per Testable Property 1.
	rr2, err := ex.Execute(context.Background(), cp, spec)
	if err != nil {
		t.Fatalf("resume Execute: %v", err)
	}
	if rr2.Passed {
		t.Fatal("expected resumed run to still report failure")
	}
	if agentCalls != 1 {
		t.Fatalf("expected resume to make zero additional agent calls, got %d total", agentCalls)
	}
}

type countingFailingAgent struct {
	ExitCode int
	Err      error
	calls    *int
}

func (c *countingFailingAgent) Run(ctx context.Context, req adapter.AgentRequest) (adapter.AgentResult, error) {
	*c.calls++
	return adapter.AgentResult{ExitCode: c.ExitCode}, c.Err
}

type errPermanent struct{}

func (errPermanent) Error() string { return "simulated permanent agent failure" }

func TestExecuteEstimatesCostWhenAgentReportsZero(t *testing.T) {
	ex, root := newTestExecutor(t)
	ex.Agents.RegisterAgent("anthropic/claude-sonnet-4-5", &adapter.SimulatedAgent{
		ExitCode: 0,
		Tokens:   model.TokenStats{Input: 1_000_000, Output: 1_000_000},
		CostUSD:  0,
	})
	ex.Agents.RegisterJudge("sim-judge-a", &adapter.SimulatedJudge{Result: adapter.JudgeResult{Score: 1, Passed: true}})
	ex.Agents.RegisterJudge("sim-judge-b", &adapter.SimulatedJudge{Result: adapter.JudgeResult{Score: 1, Passed: true}})

	cp := model.NewCheckpoint("exp-1", "hash")
	spec := baseSpec(t, root, "exp-1")
	spec.AgentModel = "anthropic/claude-sonnet-4-5"

	rr, err := ex.Execute(context.Background(), cp, spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !rr.CostEstimated {
		t.Fatal("expected cost to be marked estimated when the agent reported zero")
	}
	if rr.CostUSD <= 0 {
		t.Fatalf("expected a positive estimated cost, got %v", rr.CostUSD)
	}
}

func TestExecuteNoValidJudgmentsTagsJudgeFailed(t *testing.T) {
	ex, root := newTestExecutor(t)
	ex.Backoff.MaxRetries = 0
	ex.Agents.RegisterAgent("sim-agent", &adapter.SimulatedAgent{ExitCode: 0})
	ex.Agents.RegisterJudge("sim-judge-a", &adapter.SimulatedJudge{Err: errPermanent{}})
	ex.Agents.RegisterJudge("sim-judge-b", &adapter.SimulatedJudge{Err: errPermanent{}})

	cp := model.NewCheckpoint("exp-1", "hash")
	spec := baseSpec(t, root, "exp-1")

	rr, err := ex.Execute(context.Background(), cp, spec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rr.Passed {
		t.Fatal("expected run not to pass with zero valid judgments")
	}
	if rr.ErrorTag != model.ErrJudgeFailed {
		t.Fatalf("expected JUDGE_FAILED tag, got %q", rr.ErrorTag)
	}
}
