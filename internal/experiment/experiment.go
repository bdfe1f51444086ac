// Package experiment implements C8, the Experiment Runner: the top-level
// state machine that loads or creates a Checkpoint, acquires the
// experiment-root lockfile, drives every tier to completion through the
// Subtest Orchestrator, and regenerates the hierarchical report. It is the
// only component that mutates the Checkpoint's tier/experiment state, in
// keeping with §4.1's single-writer rule.
package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/scylla/internal/checkpoint"
	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/obs"
	"github.com/danshapiro/scylla/internal/orchestrator"
	"github.com/danshapiro/scylla/internal/procutil"
	"github.com/danshapiro/scylla/internal/report"
	"github.com/danshapiro/scylla/internal/resolver"
	"github.com/danshapiro/scylla/internal/scerr"
	"github.com/danshapiro/scylla/internal/workspace"
)

// lockFileName is the experiment-root lockfile (distinct from the
// per-repo-key lock workspace.Manager holds during clone/fetch).
const lockFileName = ".experiment.lock"

// seedFiles are copied from the fixture directory into the experiment root
// the first time an experiment is started (§4.8 step 2); once present they
// are never overwritten, so editing the fixture directory after the first
// run has no effect on a resumed experiment.
var seedFiles = []string{"prompt.md", "criteria.md", "rubric.yaml", "judge_prompt.md"}

// Runner drives one experiment from start to COMPLETE/FAILED.
type Runner struct {
	Workspace    *workspace.Manager
	Resolver     *resolver.Resolver
	Orchestrator *orchestrator.Orchestrator
	Checkpoint   *checkpoint.Store
}

// New wires a Runner's collaborators from cfg. It is the composition point
// cmd/scylla uses to assemble the engine for one invocation.
func New(cfg model.ExperimentConfig, ws *workspace.Manager, res *resolver.Resolver, orch *orchestrator.Orchestrator) *Runner {
	return &Runner{
		Workspace:    ws,
		Resolver:     res,
		Orchestrator: orch,
		Checkpoint:   checkpoint.New(cfg.ResultsRoot),
	}
}

// Options carries the CLI-facing controls from §6 that affect how Run
// resumes or replays an existing experiment root.
type Options struct {
	// Fresh discards any existing checkpoint and quarantines the prior
	// tree before starting a brand-new experiment.
	Fresh bool
	// FromStage, if non-empty, is one of "replay_generated",
	// "judge_pipeline_run", "run_finalized" (§4.8 Replay-from-stage).
	FromStage string
	// FilterTier, if non-empty, narrows FromStage's reset to one tier
	// instead of every configured tier.
	FilterTier model.TierID
	// FilterStatus, if non-empty, narrows FromStage's reset to runs whose
	// recorded checkpoint RunStatus matches (e.g. only replay runs
	// currently FAILED, leaving PASSED runs untouched).
	FilterStatus model.RunStatus
}

// Run implements the §4.8 algorithm end to end and returns the final
// ExperimentResult plus the terminal ExperimentState reached.
func (r *Runner) Run(ctx context.Context, cfg model.ExperimentConfig, opts Options) (*model.ExperimentResult, error) {
	cfg.Normalize()
	log := obs.Logger()

	if opts.Fresh {
		if err := quarantine(cfg.ResultsRoot); err != nil {
			return nil, err
		}
	}

	unlock, err := acquireLock(cfg.ResultsRoot)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock() }()

	cp, err := r.Checkpoint.Load()
	if err != nil {
		return nil, err
	}
	hash, err := configHash(cfg)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = model.NewCheckpoint(model.NewULID(), hash)
		if err := r.seed(cfg); err != nil {
			return nil, err
		}
		if err := r.Checkpoint.Save(cp); err != nil {
			return nil, err
		}
	}

	if opts.FromStage != "" {
		if err := replayFromStage(cfg, cp, opts); err != nil {
			return nil, err
		}
		if err := r.Checkpoint.Save(cp); err != nil {
			return nil, err
		}
	}

	log = log.With("experiment_id", cp.ExperimentID)

	if _, err := r.Workspace.EnsureBase(ctx, cfg.SourceRepoURL, cfg.SourceCommit); err != nil {
		_ = r.Checkpoint.MarkExperiment(cp, model.ExperimentFailed)
		return nil, err
	}
	repoKey := model.NewRepoKey(cfg.SourceRepoURL)

	if cp.ExperimentState == model.ExperimentPending {
		if err := r.Checkpoint.MarkExperiment(cp, model.ExperimentRunning); err != nil {
			return nil, err
		}
	}

	taskPrompt, err := os.ReadFile(filepath.Join(cfg.ResultsRoot, "prompt.md"))
	if err != nil {
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "read experiment prompt.md", err)
	}

	for _, tier := range cfg.Tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if state := cp.TierStates[tier]; state == model.TierComplete || state == model.TierFailed {
			continue
		}
		if err := r.runTier(ctx, cp, cfg, tier, repoKey, string(taskPrompt)); err != nil {
			return nil, err
		}
		log.Info("tier finished", "tier", tier, "state", cp.TierStates[tier])
	}

	result, err := report.Regenerate(cfg.ResultsRoot)
	if err != nil {
		return nil, err
	}
	for tier, tr := range result.Tiers {
		if err := r.Checkpoint.MarkBestSubtest(cp, tier, tr.BestSubtestID); err != nil {
			return nil, err
		}
	}

	if cp.AllTiersTerminal(cfg.Tiers) {
		if err := r.Checkpoint.MarkExperiment(cp, model.ExperimentComplete); err != nil {
			return nil, err
		}
		result.State = model.ExperimentComplete
	}
	return result, nil
}

// runTier implements §4.8 step 4: drive every subtest of one tier through
// the Subtest Orchestrator, then decide the tier's terminal state.
//
// Subtests within a tier run serially — the source leaves this choice
// open (§5: "implementations may serialize subtests for simplicity; the
// contract only requires run-level parallelism"), and serial execution
// keeps the per-subtest workspace-creation and aggregation steps easy to
// reason about without adding a second layer of bounded concurrency on
// top of the Subtest Orchestrator's own run-level pool.
func (r *Runner) runTier(ctx context.Context, cp *model.Checkpoint, cfg model.ExperimentConfig, tier model.TierID, repoKey model.RepoKey, taskPrompt string) error {
	log := obs.ForExperiment(cp.ExperimentID)
	if err := r.Checkpoint.MarkTier(cp, tier, model.TierRunning); err != nil {
		return err
	}

	subtests, err := r.Resolver.ListSubtests(tier)
	if err != nil {
		log.Warn("tier resolve failed", "tier", tier, "error", err)
		return r.Checkpoint.MarkTier(cp, tier, model.TierFailed)
	}
	if cfg.MaxSubtestsPerTier > 0 && len(subtests) > cfg.MaxSubtestsPerTier {
		subtests = subtests[:cfg.MaxSubtestsPerTier]
	}

	tierDir := filepath.Join(cfg.ResultsRoot, string(tier))
	allSucceeded := true
	anyUnrecoverable := false
	for _, sc := range subtests {
		if len(cfg.Subtests) > 0 && !containsSubtest(cfg.Subtests, sc.Subtest) {
			continue
		}
		spec := orchestrator.SubtestSpec{
			ExperimentID:    cp.ExperimentID,
			Tier:            tier,
			Config:          sc,
			TierDir:         tierDir,
			TaskPrompt:      taskPrompt,
			RepoKey:         repoKey,
			Commit:          cfg.SourceCommit,
			RunsPerSubtest:  cfg.RunsPerSubtest,
			AgentModel:      cfg.AgentModel,
			JudgeModels:     cfg.JudgeModels,
			AgentTimeout:    cfg.PerRunTimeout.Duration,
			JudgeTimeout:    cfg.PerRunTimeout.Duration,
			CriteriaPath:    filepath.Join(cfg.ResultsRoot, "criteria.md"),
			RubricPath:      filepath.Join(cfg.ResultsRoot, "rubric.yaml"),
			JudgePromptPath: filepath.Join(cfg.ResultsRoot, "judge_prompt.md"),
		}
		sr, err := r.Orchestrator.Run(ctx, cp, spec)
		if err != nil {
			log.Warn("subtest failed", "tier", tier, "subtest", sc.Subtest, "error", err)
			allSucceeded = false
			anyUnrecoverable = true
			continue
		}
		if sr.PassRate < 1 {
			allSucceeded = false
		}
		if sr.PassRate == 0 {
			anyUnrecoverable = true
		}
	}

	switch {
	case allSucceeded:
		return r.Checkpoint.MarkTier(cp, tier, model.TierComplete)
	case anyUnrecoverable:
		return r.Checkpoint.MarkTier(cp, tier, model.TierFailed)
	default:
		return r.Checkpoint.MarkTier(cp, tier, model.TierComplete)
	}
}

func containsSubtest(ids []model.SubtestID, id model.SubtestID) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

// seed persists ExperimentConfig and copies the fixture directory's
// prompt/criteria/rubric/judge-prompt templates into the experiment root,
// if not already present (§4.8 step 2).
func (r *Runner) seed(cfg model.ExperimentConfig) error {
	if err := os.MkdirAll(cfg.ResultsRoot, 0o755); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "create results root", err)
	}
	cfgPath := filepath.Join(cfg.ResultsRoot, "experiment.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return scerr.Wrap(scerr.TagDiskFull, "marshal experiment config", err)
		}
		if err := os.WriteFile(cfgPath, b, 0o644); err != nil {
			return scerr.Wrap(scerr.TagDiskFull, "write experiment.json", err)
		}
	}
	for _, name := range seedFiles {
		dst := filepath.Join(cfg.ResultsRoot, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		src := filepath.Join(cfg.FixtureDir, name)
		b, err := os.ReadFile(src)
		if err != nil {
			return scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("read fixture %s", name), err)
		}
		if err := os.WriteFile(dst, b, 0o644); err != nil {
			return scerr.Wrap(scerr.TagDiskFull, fmt.Sprintf("seed %s", name), err)
		}
	}
	return nil
}

// configHash computes a stable content hash of the normalized config for
// Checkpoint.ConfigHash, used to detect a config change across resumes.
func configHash(cfg model.ExperimentConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", scerr.Wrap(scerr.TagDiskFull, "marshal config for hashing", err)
	}
	h := blake3.New()
	_, _ = h.Write(b)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// quarantine implements --fresh: rename the existing experiment root
// aside (so in-progress artifacts are never silently deleted) and start
// clean. A no-op if the root doesn't exist yet.
func quarantine(resultsRoot string) error {
	if _, err := os.Stat(resultsRoot); os.IsNotExist(err) {
		return nil
	}
	dst := resultsRoot + ".quarantine-" + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(resultsRoot, dst); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "quarantine existing experiment root", err)
	}
	return os.MkdirAll(resultsRoot, 0o755)
}

// pidFileName sits alongside the fslock file and records the PID of the
// process currently holding it, so a failed acquire can tell a live
// contending run apart from a stale lock left by a killed one.
const pidFileName = ".experiment.lock.pid"

// acquireLock takes the experiment-root lockfile non-blocking: a second
// concurrent run against the same root must fail fast with
// ExperimentLockHeld (exit code 3, §6) rather than wait indefinitely, in
// contrast to workspace.Manager's per-repo lock which blocks with a fixed
// 200ms retry since contention there is expected to be brief.
func acquireLock(resultsRoot string) (func() error, error) {
	if err := os.MkdirAll(resultsRoot, 0o755); err != nil {
		return nil, scerr.Wrap(scerr.TagDiskFull, "create results root for lock", err)
	}
	pidPath := filepath.Join(resultsRoot, pidFileName)
	l := fslock.L{Path: filepath.Join(resultsRoot, lockFileName)}
	handle, err := l.Lock()
	if err != nil {
		return nil, scerr.Wrap(scerr.TagExperimentLockHeld, lockHeldMessage(pidPath), err)
	}
	_ = os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	return func() error {
		_ = os.Remove(pidPath)
		return handle.Unlock()
	}, nil
}

// lockHeldMessage reports whether the recorded holder PID is still alive,
// so an operator can tell "another run is genuinely in progress" apart
// from "the previous run was killed and left the lockfile behind" without
// reaching for procfs by hand.
func lockHeldMessage(pidPath string) string {
	b, err := os.ReadFile(pidPath)
	if err != nil {
		return "experiment root already locked"
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return "experiment root already locked"
	}
	if procutil.Alive(pid) {
		return fmt.Sprintf("experiment root already locked by running process %d", pid)
	}
	return fmt.Sprintf("experiment root lock file references process %d, which is no longer running; the lock file may need manual cleanup", pid)
}

// replayFromStage implements §4.8 Replay-from-stage: delete the on-disk
// artifacts a given stage invalidates and clear the matching checkpoint
// entries, so the next Run call re-executes from that point. The
// checkpoint itself only records terminal run status (no intermediate
// AGENT_COMPLETE/JUDGE_COMPLETE transitions are ever persisted — the Run
// Executor already gets agent/judge re-use for free from artifact
// presence on disk, per §4.4), so replay operates on artifact presence
// rather than on an intermediate checkpoint state.
func replayFromStage(cfg model.ExperimentConfig, cp *model.Checkpoint, opts Options) error {
	tiers := cfg.Tiers
	if opts.FilterTier != "" {
		tiers = []model.TierID{opts.FilterTier}
	}
	for _, tier := range tiers {
		tierDir := filepath.Join(cfg.ResultsRoot, string(tier))
		subtestDirs, err := listTierSubtestDirs(tierDir)
		if err != nil {
			return err
		}
		tierTouched := false
		for _, subtest := range subtestDirs {
			subtestDir := filepath.Join(tierDir, string(subtest))
			runDirs, err := listRunDirs(subtestDir)
			if err != nil {
				return err
			}
			for _, run := range runDirs {
				if opts.FilterStatus != "" {
					if status, ok := cp.RunStatusOf(tier, subtest, run); !ok || status != opts.FilterStatus {
						continue
					}
				}
				runDir := filepath.Join(subtestDir, run.Dir())
				if err := clearRunArtifacts(runDir, opts.FromStage); err != nil {
					return err
				}
				clearRunCheckpoint(cp, tier, subtest, run)
				tierTouched = true
			}
		}
		if tierTouched || opts.FilterStatus == "" {
			cp.SetTierState(tier, model.TierPending)
		}
	}
	if cp.ExperimentState == model.ExperimentComplete {
		cp.ExperimentState = model.ExperimentRunning
	}
	return nil
}

// clearRunArtifacts deletes the artifacts a named replay stage
// invalidates: "replay_generated" discards the whole run (agent and judge
// rerun), "judge_pipeline_run" keeps the agent's output and reruns only
// judging, "run_finalized" keeps both and only recomputes consensus and
// the finalized run_result.json.
func clearRunArtifacts(runDir, stage string) error {
	switch stage {
	case "replay_generated":
		if err := os.RemoveAll(runDir); err != nil {
			return scerr.Wrap(scerr.TagDiskFull, "clear run for replay", err)
		}
	case "judge_pipeline_run":
		// Keep run_NN/agent/ (its result.json makes the Run Executor treat
		// the agent as already having run, per §4.4's reuse rule) and
		// discard run_NN/judge/ so every judge and the consensus re-run.
		if err := os.RemoveAll(filepath.Join(runDir, "judge")); err != nil {
			return scerr.Wrap(scerr.TagDiskFull, "clear judge artifacts for replay", err)
		}
		_ = os.Remove(filepath.Join(runDir, "run_result.json"))
		_ = os.Remove(filepath.Join(runDir, "report.json"))
		_ = os.Remove(filepath.Join(runDir, "report.md"))
	case "run_finalized":
		_ = os.Remove(filepath.Join(runDir, "run_result.json"))
		_ = os.Remove(filepath.Join(runDir, "report.json"))
		_ = os.Remove(filepath.Join(runDir, "report.md"))
	default:
		return scerr.New(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("unknown replay stage %q", stage))
	}
	return nil
}

func clearRunCheckpoint(cp *model.Checkpoint, tier model.TierID, subtest model.SubtestID, run model.RunNumber) {
	if subtests, ok := cp.CompletedRuns[tier]; ok {
		if runs, ok := subtests[subtest]; ok {
			delete(runs, run)
		}
	}
}

func listTierSubtestDirs(tierDir string) ([]model.SubtestID, error) {
	entries, err := os.ReadDir(tierDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "read tier dir for replay", err)
	}
	var out []model.SubtestID
	for _, e := range entries {
		if e.IsDir() && model.SubtestID(e.Name()).HasNumericPrefix() {
			out = append(out, model.SubtestID(e.Name()))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out, nil
}

func listRunDirs(subtestDir string) ([]model.RunNumber, error) {
	entries, err := os.ReadDir(subtestDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "read subtest dir for replay", err)
	}
	var out []model.RunNumber
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(e.Name(), "run_%02d", &n); err == nil {
			out = append(out, model.RunNumber(n))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out, nil
}
