// Package report implements C9, the Hierarchical Reporter: JSON and
// Markdown reports at run, subtest, tier, and experiment levels, built by
// scanning the persisted RunResult files under an experiment root rather
// than being wired inline into the Run Executor or Subtest Orchestrator, so
// that regenerating every report from the same artifacts is idempotent
// (§4.9 invariant) independent of how or when the runs themselves executed.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/danshapiro/scylla/internal/judge"
	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/scerr"
)

// Regenerate rebuilds report.json/report.md at every level under
// experimentRoot from the experiment's persisted experiment.json,
// checkpoint.json, and run_result.json files, and returns the resulting
// ExperimentResult.
func Regenerate(experimentRoot string) (*model.ExperimentResult, error) {
	cfg, err := loadExperimentConfig(experimentRoot)
	if err != nil {
		return nil, err
	}
	cp, err := loadCheckpointState(experimentRoot)
	if err != nil {
		return nil, err
	}

	tiers := make(map[model.TierID]*model.TierResult, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		tr, err := regenerateTier(experimentRoot, tier, cfg.TieBreakThresh, cp)
		if err != nil {
			return nil, err
		}
		tiers[tier] = tr
	}

	result := &model.ExperimentResult{
		ExperimentID: cp.experimentID,
		State:        cp.experimentState,
		Tiers:        tiers,
		ReportPath:   "report.md",
	}
	if err := writeJSON(filepath.Join(experimentRoot, "report.json"), result); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(experimentRoot, "report.md"), []byte(experimentMarkdown(result, cfg.Tiers)), 0o644); err != nil {
		return nil, scerr.Wrap(scerr.TagDiskFull, "write experiment report.md", err)
	}
	return result, nil
}

func regenerateTier(experimentRoot string, tier model.TierID, tieThreshold float64, cp checkpointState) (*model.TierResult, error) {
	tierDir := filepath.Join(experimentRoot, string(tier))
	subtestNames, err := listSubtestDirs(tierDir)
	if err != nil {
		return nil, err
	}

	subtests := make(map[model.SubtestID]*model.SubtestResult, len(subtestNames))
	for _, name := range subtestNames {
		subtest := model.SubtestID(name)
		sr, err := regenerateSubtest(tierDir, tier, subtest)
		if err != nil {
			return nil, err
		}
		subtests[subtest] = sr
	}

	best := judge.BestSubtest(subtests, tieThreshold)
	tr := &model.TierResult{
		Tier:          tier,
		Subtests:      subtests,
		BestSubtestID: best,
		State:         cp.tierStates[tier],
		ReportPath:    "report.md",
	}
	if best != nil {
		if err := writeJSON(filepath.Join(tierDir, "best_subtest.json"), best); err != nil {
			return nil, err
		}
	}
	if err := writeJSON(filepath.Join(tierDir, "report.json"), tr); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tierDir, "report.md"), []byte(tierMarkdown(tr)), 0o644); err != nil {
		return nil, scerr.Wrap(scerr.TagDiskFull, "write tier report.md", err)
	}
	return tr, nil
}

func regenerateSubtest(tierDir string, tier model.TierID, subtest model.SubtestID) (*model.SubtestResult, error) {
	subtestDir := filepath.Join(tierDir, string(subtest))
	runs, err := loadRuns(subtestDir)
	if err != nil {
		return nil, err
	}
	sr := aggregateSubtest(tier, subtest, runs)
	sr.ReportPath = "report.md"

	if err := writeJSON(filepath.Join(subtestDir, "report.json"), sr); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(subtestDir, "report.md"), []byte(subtestMarkdown(sr)), 0o644); err != nil {
		return nil, scerr.Wrap(scerr.TagDiskFull, "write subtest report.md", err)
	}
	for _, r := range runs {
		if err := writeRunReport(subtestDir, r); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

func writeRunReport(subtestDir string, rr model.RunResult) error {
	runDir := filepath.Join(subtestDir, rr.Run.Dir())
	if err := os.WriteFile(filepath.Join(runDir, "report.md"), []byte(runMarkdown(rr)), 0o644); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "write run report.md", err)
	}
	return nil
}

// aggregateSubtest rebuilds a SubtestResult from persisted RunResults the
// same way internal/orchestrator does immediately after executing a
// subtest's runs, duplicated here (rather than shared) so report
// regeneration depends only on on-disk artifacts, never on an in-memory
// orchestrator result.
func aggregateSubtest(tier model.TierID, subtest model.SubtestID, runs []model.RunResult) *model.SubtestResult {
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

func listSubtestDirs(tierDir string) ([]string, error) {
	entries, err := os.ReadDir(tierDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("read tier dir %s", tierDir), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && model.SubtestID(e.Name()).HasNumericPrefix() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func loadRuns(subtestDir string) ([]model.RunResult, error) {
	entries, err := os.ReadDir(subtestDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("read subtest dir %s", subtestDir), err)
	}
	var runs []model.RunResult
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run_") {
			continue
		}
		path := filepath.Join(subtestDir, e.Name(), "run_result.json")
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rr model.RunResult
		if err := json.Unmarshal(b, &rr); err != nil {
			continue
		}
		runs = append(runs, rr)
	}
	sort.Slice(runs, func(i, k int) bool { return runs[i].Run < runs[k].Run })
	return runs, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "marshal report", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "mkdir report dir", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "write report json", err)
	}
	return nil
}

type checkpointState struct {
	experimentID    string
	experimentState model.ExperimentState
	tierStates      map[model.TierID]model.TierState
}

func loadCheckpointState(experimentRoot string) (checkpointState, error) {
	b, err := os.ReadFile(filepath.Join(experimentRoot, "checkpoint.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return checkpointState{tierStates: map[model.TierID]model.TierState{}}, nil
		}
		return checkpointState{}, scerr.Wrap(scerr.TagCorruptCheckpoint, "read checkpoint.json for reporting", err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return checkpointState{}, scerr.Wrap(scerr.TagCorruptCheckpoint, "parse checkpoint.json for reporting", err)
	}
	return checkpointState{
		experimentID:    cp.ExperimentID,
		experimentState: cp.ExperimentState,
		tierStates:      cp.TierStates,
	}, nil
}

func loadExperimentConfig(experimentRoot string) (model.ExperimentConfig, error) {
	var cfg model.ExperimentConfig
	b, err := os.ReadFile(filepath.Join(experimentRoot, "experiment.json"))
	if err != nil {
		return cfg, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "read experiment.json for reporting", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "parse experiment.json for reporting", err)
	}
	return cfg, nil
}

func dollars(v float64) string {
	return "$" + humanize.FormatFloat("#,###.####", v)
}
