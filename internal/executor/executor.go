// Package executor implements C4, the Run Executor: driving one
// (tier, subtest, run) from scratch or from partial progress to a
// finalized RunResult. It wires together the Agent/Judge collaborators
// (internal/adapter), consensus aggregation (internal/judge), retry
// scheduling (internal/ratelimit), durable state (internal/checkpoint),
// and a static cost_usd fallback (internal/modelcost) for adapters that
// don't report their own cost.
//
// The per-attempt panic-recovery wrapper follows kilroy's executeNode
// (internal/attractor/engine/engine.go): a handler that panics is treated
// as an ordinary failure of that attempt rather than crashing the worker.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/scylla/internal/adapter"
	"github.com/danshapiro/scylla/internal/checkpoint"
	"github.com/danshapiro/scylla/internal/judge"
	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/modelcost"
	"github.com/danshapiro/scylla/internal/obs"
	"github.com/danshapiro/scylla/internal/ratelimit"
	"github.com/danshapiro/scylla/internal/scerr"
)

// Executor drives individual runs. One Executor is shared across all
// workers of an experiment; it holds no per-run mutable state.
type Executor struct {
	Agents     *adapter.Registry
	Checkpoint *checkpoint.Store

	Backoff               ratelimit.BackoffConfig
	PassThreshold         float64
	DisagreementThreshold float64
}

// New returns an Executor with spec-default thresholds and backoff.
func New(agents *adapter.Registry, store *checkpoint.Store) *Executor {
	return &Executor{
		Agents:                agents,
		Checkpoint:            store,
		Backoff:               ratelimit.DefaultBackoffConfig(),
		PassThreshold:         judge.DefaultPassThreshold,
		DisagreementThreshold: judge.DefaultDisagreementThreshold,
	}
}

// RunSpec carries everything one run invocation needs. ComposedPrompt is
// the already-resolved agent prompt (task prompt plus resource suffix,
// per §4.3); the executor only writes it to task_prompt.md, it does not
// compose it.
type RunSpec struct {
	ExperimentID string
	Tier         model.TierID
	Subtest      model.SubtestID
	Run          model.RunNumber

	SubtestDir     string // <experiment_root>/<tier>/<subtest>
	ComposedPrompt string

	CriteriaPath    string // experiment-root criteria.md
	RubricPath      string // experiment-root rubric.yaml
	JudgePromptPath string // experiment-root judge_prompt.md

	AgentModel   string
	JudgeModels  []string
	AgentTimeout time.Duration
	JudgeTimeout time.Duration
}

func (s RunSpec) runDir() string {
	return filepath.Join(s.SubtestDir, s.Run.Dir())
}

func (s RunSpec) workspaceDir() string {
	return filepath.Join(s.SubtestDir, "workspace")
}

// Execute implements the full artifact-reuse-aware run lifecycle of §4.4.
// cp is mutated in place (run status, persisted through e.Checkpoint) so
// callers can inspect tier/experiment-level completion immediately after.
func (e *Executor) Execute(ctx context.Context, cp *model.Checkpoint, spec RunSpec) (*model.RunResult, error) {
	log := obs.ForRun(spec.ExperimentID, string(spec.Tier), string(spec.Subtest), int(spec.Run))

	if status, ok := cp.RunStatusOf(spec.Tier, spec.Subtest, spec.Run); ok && status.IsTerminal() {
		if rr, err := loadRunResult(spec.runDir()); err == nil {
			log.Debug("run already finalized, skipping", "status", status)
			return rr, nil
		}
		log.Warn("checkpoint marks run terminal but run_result.json is missing or corrupt; re-executing", "status", status)
	}

	runDir := spec.runDir()
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "create run dir", err)
	}
	promptPath := filepath.Join(runDir, "task_prompt.md")
	if err := os.WriteFile(promptPath, []byte(spec.ComposedPrompt), 0o644); err != nil {
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "write task_prompt.md", err)
	}

	started := time.Now().UTC()
	agentDir := filepath.Join(runDir, "agent")
	agentResult, agentRan, err := e.obtainAgentResult(ctx, log, spec, promptPath, agentDir)
	if err != nil {
		// run_result.json stays at its canonical run_NN/ path: a FAILED
		// status is terminal (rule 1), so a later invocation must find it
		// there and skip re-invoking the agent. Only an explicit
		// --from replay (internal/experiment.clearRunArtifacts) clears a
		// run's artifacts to make its number retryable.
		return e.finalizeFailure(cp, spec, started, err), nil
	}

	judgments, judgeDur, err := e.obtainJudgments(ctx, log, spec, agentRan, agentDir, runDir)
	if err != nil {
		rr := e.finalizeFailure(cp, spec, started, err)
		return rr, nil
	}

	consensus := judge.Consensus(judgments, e.PassThreshold, e.DisagreementThreshold)
	ended := time.Now().UTC()

	costUSD, costEstimated := agentResult.CostUSD, false
	if costUSD == 0 {
		costEstimated = true
		if estimated, ok := modelcost.Estimate(spec.AgentModel, agentResult.Tokens.Input, agentResult.Tokens.Output); ok {
			costUSD = estimated
		}
	}

	rr := &model.RunResult{
		Tier:             spec.Tier,
		Subtest:          spec.Subtest,
		Run:              spec.Run,
		AgentExitCode:    agentResult.ExitCode,
		TokenStats:       agentResult.Tokens,
		CostUSD:          costUSD,
		CostEstimated:    costEstimated,
		AgentDuration:    agentResult.Ended.Sub(agentResult.Started),
		JudgeDuration:    judgeDur,
		TotalDuration:    ended.Sub(started),
		Judgments:        judgments,
		Consensus:        consensus,
		Passed:           consensus.ValidJudgeCount > 0 && consensus.Passed,
		Grade:            consensus.Grade,
		CriteriaScores:   consensus.CriteriaScores,
		AgentArtifactDir: agentDir,
		JudgeArtifactDir: filepath.Join(runDir, "judge"),
		StartedAt:        started,
		EndedAt:          ended,
	}
	if consensus.ValidJudgeCount == 0 {
		rr.ErrorTag = model.ErrJudgeFailed
		rr.Error = "no valid judgments were produced for this run"
	}

	if err := e.persist(runDir, rr, consensus); err != nil {
		return nil, err
	}
	if err := e.Checkpoint.MarkRun(cp, spec.Tier, spec.Subtest, spec.Run, rr.Status()); err != nil {
		return nil, err
	}
	log.Info("run finalized", "passed", rr.Passed, "grade", rr.Grade, "agent_ran", agentRan)
	return rr, nil
}

// obtainAgentResult implements artifact reuse rule 2: reuse a valid
// agent/result.json when present, else execute the agent with retry.
func (e *Executor) obtainAgentResult(ctx context.Context, log *slog.Logger, spec RunSpec, promptPath, agentDir string) (adapter.AgentResult, bool, error) {
	if existing, ok := loadAgentResultJSON(agentDir); ok && existing.Error == "" && existing.ExitCode == 0 {
		return toAgentResult(existing), false, nil
	}

	agent, ok := e.Agents.Agent(spec.AgentModel)
	if !ok {
		return adapter.AgentResult{}, true, scerr.New(scerr.TagAgentPermanent, fmt.Sprintf("no agent registered for model %q", spec.AgentModel))
	}

	req := adapter.AgentRequest{
		ModelID:      spec.AgentModel,
		PromptPath:   promptPath,
		WorkspaceDir: spec.workspaceDir(),
		OutputDir:    agentDir,
		Timeout:      spec.AgentTimeout,
	}

	for attempt := 1; ; attempt++ {
		result, err := runRecovered(func() (adapter.AgentResult, error) { return agent.Run(ctx, req) })
		if err == nil {
			return result, true, nil
		}
		if tag, ok := scerr.TagOf(err); ok && tag == scerr.TagAgentTimeout {
			log.Warn("agent invocation timed out", "attempt", attempt)
			return adapter.AgentResult{}, true, scerr.Wrap(scerr.TagAgentTimeout, "agent timed out", err)
		}

		sig := signalFromErr(result.ExitCode, err, agentDir)
		class := ratelimit.Classify(sig)
		decision := ratelimit.Decide(class, sig, e.Backoff, attempt)
		if !decision.Retry {
			return adapter.AgentResult{}, true, tagError(class, err)
		}
		log.Warn("agent invocation failed, retrying", "attempt", attempt, "class", class, "delay", decision.Delay)
		if err := sleepCtx(ctx, decision.Delay); err != nil {
			return adapter.AgentResult{}, true, scerr.Wrap(scerr.TagAgentPermanent, "context canceled while backing off", err)
		}
	}
}

// obtainJudgments implements artifact reuse rule 3: always re-run every
// judge when the agent ran fresh this invocation; otherwise reuse judges
// only if every judge_MM/judgment.json is valid.
func (e *Executor) obtainJudgments(ctx context.Context, log *slog.Logger, spec RunSpec, agentRan bool, agentDir, runDir string) ([]model.Judgment, time.Duration, error) {
	judgeRoot := filepath.Join(runDir, "judge")

	if !agentRan {
		if reused, ok := e.reuseJudgments(judgeRoot, spec.JudgeModels); ok {
			log.Debug("reusing prior judgments; agent did not re-run")
			return reused, 0, nil
		}
	}

	started := time.Now()
	judgments := make([]model.Judgment, 0, len(spec.JudgeModels))
	for i, modelID := range spec.JudgeModels {
		dir := filepath.Join(judgeRoot, fmt.Sprintf("judge_%02d", i+1))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, 0, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "create judge dir", err)
		}
		j := e.invokeJudge(ctx, log, spec, modelID, agentDir, dir)
		judgments = append(judgments, j)
		if err := writeJudgment(dir, j); err != nil {
			return nil, 0, err
		}
	}
	return judgments, time.Since(started), nil
}

func (e *Executor) reuseJudgments(judgeRoot string, judgeModels []string) ([]model.Judgment, bool) {
	judgments := make([]model.Judgment, 0, len(judgeModels))
	for i := range judgeModels {
		dir := filepath.Join(judgeRoot, fmt.Sprintf("judge_%02d", i+1))
		j, ok := loadJudgmentJSON(dir)
		if !ok || !j.Valid {
			return nil, false
		}
		judgments = append(judgments, j)
	}
	return judgments, true
}

func (e *Executor) invokeJudge(ctx context.Context, log *slog.Logger, spec RunSpec, modelID, agentDir, outDir string) model.Judgment {
	j, ok := e.Agents.Judge(modelID)
	if !ok {
		return model.Judgment{JudgeModel: modelID, Valid: false, Error: fmt.Sprintf("no judge registered for model %q", modelID)}
	}

	req := adapter.JudgeRequest{
		ModelID:         modelID,
		PromptPath:      spec.JudgePromptPath,
		CriteriaPath:    spec.CriteriaPath,
		RubricPath:      spec.RubricPath,
		AgentOutputPath: filepath.Join(agentDir, "output.txt"),
		WorkspaceDir:    spec.workspaceDir(),
		OutputDir:       outDir,
		Timeout:         spec.JudgeTimeout,
	}

	for attempt := 1; ; attempt++ {
		result, err := runRecovered(func() (adapter.JudgeResult, error) { return j.Evaluate(ctx, req) })
		if err == nil {
			return model.Judgment{
				JudgeModel:     modelID,
				Score:          result.Score,
				Passed:         result.Passed,
				Grade:          result.Grade,
				Reasoning:      result.Reasoning,
				CriteriaScores: result.CriteriaScores,
				Valid:          true,
			}
		}
		if tag, ok := scerr.TagOf(err); ok && tag == scerr.TagJudgeParseError {
			log.Warn("judge output failed to parse twice; excluding from consensus", "judge", modelID)
			return model.Judgment{JudgeModel: modelID, Valid: false, Error: err.Error()}
		}

		sig := ratelimit.Signal{Err: err}
		class := ratelimit.Classify(sig)
		decision := ratelimit.Decide(class, sig, e.Backoff, attempt)
		if !decision.Retry {
			log.Warn("judge invocation failed permanently; excluding from consensus", "judge", modelID, "class", class)
			return model.Judgment{JudgeModel: modelID, Valid: false, Error: err.Error()}
		}
		log.Warn("judge invocation failed, retrying", "judge", modelID, "attempt", attempt, "class", class, "delay", decision.Delay)
		if err := sleepCtx(ctx, decision.Delay); err != nil {
			return model.Judgment{JudgeModel: modelID, Valid: false, Error: err.Error()}
		}
	}
}

func (e *Executor) finalizeFailure(cp *model.Checkpoint, spec RunSpec, started time.Time, err error) *model.RunResult {
	rr := &model.RunResult{
		Tier:      spec.Tier,
		Subtest:   spec.Subtest,
		Run:       spec.Run,
		Passed:    false,
		ErrorTag:  errorTagFor(err),
		Error:     err.Error(),
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}
	runDir := spec.runDir()
	_ = os.MkdirAll(runDir, 0o755)
	_ = writeJSON(filepath.Join(runDir, "run_result.json"), rr)
	_ = e.Checkpoint.MarkRun(cp, spec.Tier, spec.Subtest, spec.Run, model.RunFailed)
	return rr
}

func (e *Executor) persist(runDir string, rr *model.RunResult, consensus model.Consensus) error {
	if err := writeJSON(filepath.Join(runDir, "judge", "consensus.json"), consensus); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "write consensus.json", err)
	}
	if err := writeJSON(filepath.Join(runDir, "run_result.json"), rr); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "write run_result.json", err)
	}
	return nil
}

func errorTagFor(err error) model.ErrorTag {
	tag, ok := scerr.TagOf(err)
	if !ok {
		return model.ErrInternal
	}
	switch tag {
	case scerr.TagAgentTimeout:
		return model.ErrAgentTimeout
	case scerr.TagAgentRateLimited:
		return model.ErrAgentRateLimited
	case scerr.TagJudgeParseError:
		return model.ErrJudgeParseError
	case scerr.TagWorkspaceSetupFailed:
		return model.ErrWorkspaceSetupFailed
	case scerr.TagAgentTransient, scerr.TagAgentAuth, scerr.TagAgentNotFound, scerr.TagAgentPermanent:
		return model.ErrAgentFailed
	case scerr.TagJudgeRateLimited, scerr.TagJudgeTransient, scerr.TagJudgePermanent:
		return model.ErrJudgeFailed
	default:
		return model.ErrInternal
	}
}

func tagError(class ratelimit.Class, err error) error {
	switch class {
	case ratelimit.ClassRateLimited:
		return scerr.Wrap(scerr.TagAgentRateLimited, "agent rate limited; retry budget exhausted", err)
	case ratelimit.ClassTransientNetwork:
		return scerr.Wrap(scerr.TagAgentTransient, "agent transient failure; retry budget exhausted", err)
	case ratelimit.ClassAuthentication:
		return scerr.Wrap(scerr.TagAgentAuth, "agent authentication failure", err)
	case ratelimit.ClassNotFound:
		return scerr.Wrap(scerr.TagAgentNotFound, "agent reported not-found", err)
	default:
		return scerr.Wrap(scerr.TagAgentPermanent, "agent failed permanently", err)
	}
}

func signalFromErr(exitCode int, err error, agentDir string) ratelimit.Signal {
	sig := ratelimit.Signal{ExitCode: exitCode, Err: err}
	if b, rerr := os.ReadFile(filepath.Join(agentDir, "stderr.log")); rerr == nil {
		sig.Stderr = string(b)
	}
	return sig
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runRecovered wraps one external-collaborator call so a panic inside an
// Agent/Judge implementation surfaces as an ordinary error instead of
// taking down the worker, the way kilroy's executeNode recovers around
// handler execution.
func runRecovered[T any](fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = scerr.New(scerr.TagAgentPermanent, fmt.Sprintf("panic during collaborator invocation: %v", r))
		}
	}()
	return fn()
}

func toAgentResult(doc agentResultDoc) adapter.AgentResult {
	return adapter.AgentResult{
		ExitCode: doc.ExitCode,
		Tokens: model.TokenStats{
			Input:         doc.TokenStats.Input,
			Output:        doc.TokenStats.Output,
			CacheRead:     doc.TokenStats.CacheRead,
			CacheCreation: doc.TokenStats.CacheCreation,
		},
		CostUSD: doc.CostUSD,
		Started: doc.StartedAt,
		Ended:   doc.EndedAt,
	}
}

// agentResultDoc mirrors adapter's on-disk agent/result.json shape; kept
// as a local copy so this package can read it back without importing
// adapter's unexported JSON types.
type agentResultDoc struct {
	ExitCode   int    `json:"exit_code"`
	TokenStats struct {
		Input         int64 `json:"input"`
		Output        int64 `json:"output"`
		CacheRead     int64 `json:"cache_read"`
		CacheCreation int64 `json:"cache_creation"`
	} `json:"token_stats"`
	CostUSD   float64   `json:"cost_usd"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Error     string    `json:"error,omitempty"`
}

func loadAgentResultJSON(agentDir string) (agentResultDoc, bool) {
	b, err := os.ReadFile(filepath.Join(agentDir, "result.json"))
	if err != nil {
		return agentResultDoc{}, false
	}
	var doc agentResultDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return agentResultDoc{}, false
	}
	return doc, true
}

func loadJudgmentJSON(dir string) (model.Judgment, bool) {
	b, err := os.ReadFile(filepath.Join(dir, "judgment.json"))
	if err != nil {
		return model.Judgment{}, false
	}
	var j model.Judgment
	if err := json.Unmarshal(b, &j); err != nil {
		return model.Judgment{}, false
	}
	return j, true
}

func writeJudgment(dir string, j model.Judgment) error {
	return writeJSON(filepath.Join(dir, "judgment.json"), j)
}

func loadRunResult(runDir string) (*model.RunResult, error) {
	b, err := os.ReadFile(filepath.Join(runDir, "run_result.json"))
	if err != nil {
		return nil, err
	}
	var rr model.RunResult
	if err := json.Unmarshal(b, &rr); err != nil {
		return nil, err
	}
	return &rr, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
