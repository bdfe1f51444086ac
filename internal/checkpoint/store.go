// Package checkpoint implements C1, the durable Checkpoint Store: atomic
// load/save of the experiment's single source-of-truth state, plus a repair
// operation that rebuilds completed_runs from on-disk run_result.json
// files. The write discipline (temp file in the same directory + rename)
// follows kilroy's rename-probe idiom in engine/rust_sandbox_preflight.go,
// the only atomic-write pattern present in the teacher; kilroy's own
// checkpoint.json writer (runtime.Checkpoint.Save) uses plain
// os.WriteFile, which spec.md §4.1 explicitly requires to be atomic, so we
// diverge from the teacher's checkpoint writer specifically and adopt its
// own rename-probe pattern instead.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/scerr"
)

// FileName is the checkpoint's filename at the experiment root.
const FileName = "checkpoint.json"

// Store owns load/save/repair for one experiment root. Per §4.1, only the
// experiment runner's single writer goroutine may call Save/mutators;
// Load may be called concurrently by readers (e.g. recovery tools).
type Store struct {
	path string
}

// New returns a Store bound to <experimentRoot>/checkpoint.json.
func New(experimentRoot string) *Store {
	return &Store{path: filepath.Join(experimentRoot, FileName)}
}

// Load returns (nil, nil) if the checkpoint file is missing, the parsed
// checkpoint on success, or a CorruptCheckpoint error if the file exists
// but cannot be parsed.
func (s *Store) Load() (*model.Checkpoint, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.TagCorruptCheckpoint, "read checkpoint", err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, scerr.Wrap(scerr.TagCorruptCheckpoint, "parse checkpoint "+s.path, err)
	}
	return &cp, nil
}

// Save atomically persists the checkpoint: marshal -> temp file in the same
// directory -> fsync -> rename. Fails only on disk error (§4.1 failure
// model; the caller must treat a Save failure as "the run that produced
// this update fails before returning").
func (s *Store) Save(cp *model.Checkpoint) error {
	cp.LastUpdated = cp.LastUpdated.UTC()
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "marshal checkpoint", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "mkdir checkpoint dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "create temp checkpoint", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return scerr.Wrap(scerr.TagDiskFull, "write temp checkpoint", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return scerr.Wrap(scerr.TagDiskFull, "fsync temp checkpoint", err)
	}
	if err := tmp.Close(); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "close temp checkpoint", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return scerr.Wrap(scerr.TagDiskFull, "rename checkpoint into place", err)
	}
	return nil
}

// MarkRun sets a run's status and immediately persists (§4.1 mutator
// contract: in-memory mutation paired with an immediate save).
func (s *Store) MarkRun(cp *model.Checkpoint, tier model.TierID, subtest model.SubtestID, run model.RunNumber, status model.RunStatus) error {
	cp.SetRunStatus(tier, subtest, run, status)
	return s.Save(cp)
}

// MarkTier sets a tier's state and immediately persists.
func (s *Store) MarkTier(cp *model.Checkpoint, tier model.TierID, state model.TierState) error {
	cp.SetTierState(tier, state)
	return s.Save(cp)
}

// MarkBestSubtest records a tier's best-scoring subtest and immediately
// persists. id is nil when the tier has no subtest results to choose from.
func (s *Store) MarkBestSubtest(cp *model.Checkpoint, tier model.TierID, id *model.SubtestID) error {
	cp.SetBestSubtest(tier, id)
	return s.Save(cp)
}

// MarkExperiment sets the experiment's state and immediately persists.
func (s *Store) MarkExperiment(cp *model.Checkpoint, state model.ExperimentState) error {
	cp.ExperimentState = state
	return s.Save(cp)
}

// Repair rebuilds completed_runs by scanning on-disk run_result.json files
// under <experimentRoot>/<tier>/<subtest>/run_NN/run_result.json, leaving
// tier_states and experiment_state untouched. best_subtest_per_tier is
// recomputed separately, by report.Regenerate, from the same run_result.json
// files once completed_runs is rebuilt. Idempotent: running it twice in a
// row yields the same result both times, since it only ever derives from
// immutable RunResult files.
func Repair(experimentRoot string, cp *model.Checkpoint) error {
	entries, err := os.ReadDir(experimentRoot)
	if err != nil {
		return fmt.Errorf("repair: read experiment root: %w", err)
	}
	for _, tierEnt := range entries {
		if !tierEnt.IsDir() {
			continue
		}
		tier := model.TierID(tierEnt.Name())
		tierDir := filepath.Join(experimentRoot, tierEnt.Name())
		subEntries, err := os.ReadDir(tierDir)
		if err != nil {
			continue
		}
		for _, subEnt := range subEntries {
			if !subEnt.IsDir() {
				continue
			}
			subtest := model.SubtestID(subEnt.Name())
			if !subtest.HasNumericPrefix() {
				continue
			}
			subDir := filepath.Join(tierDir, subEnt.Name())
			runEntries, err := os.ReadDir(subDir)
			if err != nil {
				continue
			}
			for _, runEnt := range runEntries {
				if !runEnt.IsDir() {
					continue
				}
				resultPath := filepath.Join(subDir, runEnt.Name(), "run_result.json")
				b, err := os.ReadFile(resultPath)
				if err != nil {
					continue
				}
				var rr model.RunResult
				if err := json.Unmarshal(b, &rr); err != nil {
					continue
				}
				cp.SetRunStatus(tier, subtest, rr.Run, rr.Status())
			}
		}
	}
	return nil
}
