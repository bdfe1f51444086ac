package model

import "time"

// ExperimentState is the top-level state of the Checkpoint.
type ExperimentState string

const (
	ExperimentPending ExperimentState = "PENDING"
	ExperimentRunning ExperimentState = "RUNNING"
	ExperimentComplete ExperimentState = "COMPLETE"
	ExperimentFailed  ExperimentState = "FAILED"
)

// TierState mirrors ExperimentState but scoped to one tier.
type TierState string

const (
	TierPending  TierState = "PENDING"
	TierRunning  TierState = "RUNNING"
	TierComplete TierState = "COMPLETE"
	TierFailed   TierState = "FAILED"
)

// RunStatus is the per-run checkpoint status. AgentComplete and
// JudgeComplete mark partial progress; Passed/Failed are terminal.
type RunStatus string

const (
	RunPassed        RunStatus = "PASSED"
	RunFailed        RunStatus = "FAILED"
	RunAgentComplete RunStatus = "AGENT_COMPLETE"
	RunJudgeComplete RunStatus = "JUDGE_COMPLETE"
)

// IsTerminal reports whether a RunStatus counts toward tier/experiment
// completion (§3 invariant: tier_states[T] = COMPLETE iff every configured
// run is PASSED or FAILED).
func (s RunStatus) IsTerminal() bool {
	return s == RunPassed || s == RunFailed
}

// Checkpoint is the single source of truth for resumability (§3, §4.1).
// schemaVersion allows additive evolution; unknown fields are ignored on
// read per §6.
type Checkpoint struct {
	SchemaVersion int       `json:"schema_version"`
	ExperimentID  string    `json:"experiment_id"`
	ConfigHash    string    `json:"config_hash"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdated   time.Time `json:"last_updated"`

	ExperimentState ExperimentState `json:"experiment_state"`

	TierStates map[TierID]TierState `json:"tier_states"`

	// CompletedRuns[tier][subtest][run] = status
	CompletedRuns map[TierID]map[SubtestID]map[RunNumber]RunStatus `json:"completed_runs"`

	BestSubtestPerTier map[TierID]*SubtestID `json:"best_subtest_per_tier"`
}

const CurrentSchemaVersion = 1

// NewCheckpoint returns a freshly initialized Checkpoint for a new experiment.
func NewCheckpoint(experimentID, configHash string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		SchemaVersion:      CurrentSchemaVersion,
		ExperimentID:       experimentID,
		ConfigHash:         configHash,
		StartedAt:          now,
		LastUpdated:        now,
		ExperimentState:    ExperimentPending,
		TierStates:         map[TierID]TierState{},
		CompletedRuns:      map[TierID]map[SubtestID]map[RunNumber]RunStatus{},
		BestSubtestPerTier: map[TierID]*SubtestID{},
	}
}

// RunStatusOf returns the recorded status for a run, and whether one exists.
func (c *Checkpoint) RunStatusOf(tier TierID, subtest SubtestID, run RunNumber) (RunStatus, bool) {
	subtests, ok := c.CompletedRuns[tier]
	if !ok {
		return "", false
	}
	runs, ok := subtests[subtest]
	if !ok {
		return "", false
	}
	st, ok := runs[run]
	return st, ok
}

// SetRunStatus records a run's status, creating intermediate maps as needed.
func (c *Checkpoint) SetRunStatus(tier TierID, subtest SubtestID, run RunNumber, status RunStatus) {
	if c.CompletedRuns == nil {
		c.CompletedRuns = map[TierID]map[SubtestID]map[RunNumber]RunStatus{}
	}
	subtests, ok := c.CompletedRuns[tier]
	if !ok {
		subtests = map[SubtestID]map[RunNumber]RunStatus{}
		c.CompletedRuns[tier] = subtests
	}
	runs, ok := subtests[subtest]
	if !ok {
		runs = map[RunNumber]RunStatus{}
		subtests[subtest] = runs
	}
	runs[run] = status
}

// SetTierState records a tier's state.
func (c *Checkpoint) SetTierState(tier TierID, state TierState) {
	if c.TierStates == nil {
		c.TierStates = map[TierID]TierState{}
	}
	c.TierStates[tier] = state
}

// SetBestSubtest records the tier's best-scoring subtest, or clears it when
// id is nil (the tier has no subtest results to choose from).
func (c *Checkpoint) SetBestSubtest(tier TierID, id *SubtestID) {
	if c.BestSubtestPerTier == nil {
		c.BestSubtestPerTier = map[TierID]*SubtestID{}
	}
	c.BestSubtestPerTier[tier] = id
}

// AllTiersTerminal reports whether experiment_state may transition to
// COMPLETE: every configured tier is COMPLETE or FAILED (§3 invariant,
// Testable Property 4).
func (c *Checkpoint) AllTiersTerminal(configuredTiers []TierID) bool {
	for _, t := range configuredTiers {
		st, ok := c.TierStates[t]
		if !ok {
			return false
		}
		if st != TierComplete && st != TierFailed {
			return false
		}
	}
	return true
}
