// Package orchestrator implements C7, the Subtest Orchestrator: execute
// every configured run of one subtest under a bounded worker pool, with
// single-writer workspace creation and deterministic post-hoc aggregation
// by run number. The bounded pool follows golang.org/x/sync/errgroup's
// SetLimit idiom, the same concurrency-capping mechanism dshills-
// langgraph-go's graph executor uses for parallel node fan-out (kilroy
// itself has no bounded worker pool of its own — its DAG executor walks
// nodes one dependency-ready batch at a time rather than capping
// concurrency with a semaphore).
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/scylla/internal/executor"
	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/obs"
	"github.com/danshapiro/scylla/internal/resolver"
	"github.com/danshapiro/scylla/internal/workspace"
)

// Orchestrator drives all runs of one subtest at a time. One instance is
// shared across every subtest of an experiment.
type Orchestrator struct {
	Executor       *executor.Executor
	Workspace      *workspace.Manager
	Resolver       *resolver.Resolver
	ParallelismCap int
}

func New(ex *executor.Executor, ws *workspace.Manager, res *resolver.Resolver, parallelismCap int) *Orchestrator {
	if parallelismCap < 1 {
		parallelismCap = 1
	}
	return &Orchestrator{Executor: ex, Workspace: ws, Resolver: res, ParallelismCap: parallelismCap}
}

// SubtestSpec carries everything needed to run and aggregate one subtest.
type SubtestSpec struct {
	ExperimentID string
	Tier         model.TierID
	Config       model.SubtestConfig
	TierDir      string // <experiment_root>/<tier>
	TaskPrompt   string // contents of the experiment-root prompt.md

	RepoKey model.RepoKey
	Commit  string

	RunsPerSubtest int
	AgentModel     string
	JudgeModels    []string
	AgentTimeout   time.Duration
	JudgeTimeout   time.Duration

	CriteriaPath    string
	RubricPath      string
	JudgePromptPath string
}

func (s SubtestSpec) subtestDir() string {
	return filepath.Join(s.TierDir, string(s.Config.Subtest))
}

// Run implements §4.7: ensure the shared worktree exists once, then
// execute runs 1..N under a bounded pool, and aggregate deterministically
// by sorting on run number before computing the median (§4.7 Ordering).
func (o *Orchestrator) Run(ctx context.Context, cp *model.Checkpoint, spec SubtestSpec) (*model.SubtestResult, error) {
	log := obs.ForExperiment(spec.ExperimentID)
	subtestDir := spec.subtestDir()

	workspaceDir := filepath.Join(subtestDir, "workspace")
	if _, err := os.Stat(filepath.Join(workspaceDir, ".git")); err != nil {
		// Single-writer: the orchestrator creates the worktree synchronously
		// before any run worker starts, so workers never race to create it.
		if _, err := o.Workspace.CreateWorktree(spec.RepoKey, subtestDir, spec.Tier, spec.Config.Subtest, spec.Commit); err != nil {
			return nil, err
		}
	}

	composedPrompt, err := o.Resolver.ComposePrompt(spec.Config, spec.TaskPrompt)
	if err != nil {
		return nil, err
	}

	runs := make([]model.RunResult, spec.RunsPerSubtest)
	runErrs := make([]error, spec.RunsPerSubtest)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.ParallelismCap)
	for i := 0; i < spec.RunsPerSubtest; i++ {
		runNumber := model.RunNumber(i + 1)
		g.Go(func() error {
			runSpec := executor.RunSpec{
				ExperimentID:    spec.ExperimentID,
				Tier:            spec.Tier,
				Subtest:         spec.Config.Subtest,
				Run:             runNumber,
				SubtestDir:      subtestDir,
				ComposedPrompt:  composedPrompt,
				CriteriaPath:    spec.CriteriaPath,
				RubricPath:      spec.RubricPath,
				JudgePromptPath: spec.JudgePromptPath,
				AgentModel:      spec.AgentModel,
				JudgeModels:     spec.JudgeModels,
				AgentTimeout:    spec.AgentTimeout,
				JudgeTimeout:    spec.JudgeTimeout,
			}
			rr, err := o.Executor.Execute(gctx, cp, runSpec)
			idx := int(runNumber) - 1
			if err != nil {
				runErrs[idx] = err
				return err
			}
			runs[idx] = *rr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range runErrs {
			if e != nil {
				return nil, e
			}
		}
		return nil, err
	}

	sort.Slice(runs, func(i, k int) bool { return runs[i].Run < runs[k].Run })
	result := aggregate(spec.Tier, spec.Config.Subtest, runs)
	log.Info("subtest complete", "tier", spec.Tier, "subtest", spec.Config.Subtest,
		"pass_rate", result.PassRate, "median_score", result.MedianScore)
	return result, nil
}

func aggregate(tier model.TierID, subtest model.SubtestID, runs []model.RunResult) *model.SubtestResult {
	result := &model.SubtestResult{Tier: tier, Subtest: subtest, Runs: runs}
	if len(runs) == 0 {
		return result
	}

	scores := make([]float64, len(runs))
	passed := 0
	var tokenTotal model.TokenStats
	var costTotal float64
	var durationSum int64
	for i, r := range runs {
		scores[i] = r.Consensus.Score
		if r.Passed {
			passed++
		}
		tokenTotal = tokenTotal.Add(r.TokenStats)
		costTotal += r.CostUSD
		durationSum += int64(r.TotalDuration)
	}

	result.MedianScore = median(scores)
	result.PassRate = float64(passed) / float64(len(runs))
	result.TokenTotal = tokenTotal
	result.CostTotal = costTotal
	result.DurationSum = time.Duration(durationSum)
	if passed > 0 {
		costOfPass := costTotal / float64(passed)
		result.CostOfPass = &costOfPass
	}
	return result
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
