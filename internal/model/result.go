package model

import "time"

// TokenStats is an additive monoid: (input, output, cache_read,
// cache_creation) integers with element-wise + and a zero element (§3).
type TokenStats struct {
	Input          int64 `json:"input"`
	Output         int64 `json:"output"`
	CacheRead      int64 `json:"cache_read"`
	CacheCreation  int64 `json:"cache_creation"`
}

// Add returns the element-wise sum of two TokenStats. Associative and
// commutative, with TokenStats{} as the zero element (Testable Properties).
func (a TokenStats) Add(b TokenStats) TokenStats {
	return TokenStats{
		Input:         a.Input + b.Input,
		Output:        a.Output + b.Output,
		CacheRead:     a.CacheRead + b.CacheRead,
		CacheCreation: a.CacheCreation + b.CacheCreation,
	}
}

// Total is the sum of all four components, used for best-subtest
// tie-breaking ("lower total tokens wins", §4.5).
func (a TokenStats) Total() int64 {
	return a.Input + a.Output + a.CacheRead + a.CacheCreation
}

// Grade is the letter grade a judge or consensus assigns.
type Grade string

const (
	GradeS Grade = "S"
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// CriterionScore is one entry of a per-criterion score map.
type CriterionScore struct {
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation"`
}

// Judgment is a single judge's output conforming to §4.5.
type Judgment struct {
	JudgeModel     string                    `json:"judge_model"`
	Score          float64                   `json:"score"`
	Passed         bool                      `json:"passed"`
	Grade          Grade                     `json:"grade"`
	Reasoning      string                    `json:"reasoning"`
	CriteriaScores map[string]CriterionScore `json:"criteria_scores"`
	// Valid is false when the judge's output failed to parse even after a
	// single re-prompt; such judgments are excluded from consensus.
	Valid bool `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Consensus is the aggregated judgment for one run (§4.5).
type Consensus struct {
	Score             float64                   `json:"score"`
	Passed            bool                      `json:"passed"`
	Grade             Grade                     `json:"grade"`
	CriteriaScores    map[string]CriterionScore `json:"criteria_scores"`
	ValidJudgeCount   int                       `json:"valid_judge_count"`
	TotalJudgeCount   int                       `json:"total_judge_count"`
	HighDisagreement  bool                      `json:"high_disagreement"`
	MaxPairwiseDelta  float64                   `json:"max_pairwise_delta"`
}

// ErrorTag is one of the taxonomy tags from §4.4/§7.
type ErrorTag string

const (
	ErrAgentFailed           ErrorTag = "AGENT_FAILED"
	ErrAgentTimeout          ErrorTag = "AGENT_TIMEOUT"
	ErrAgentRateLimited      ErrorTag = "AGENT_RATE_LIMITED"
	ErrJudgeFailed           ErrorTag = "JUDGE_FAILED"
	ErrJudgeParseError       ErrorTag = "JUDGE_PARSE_ERROR"
	ErrWorkspaceSetupFailed  ErrorTag = "WORKSPACE_SETUP_FAILED"
	ErrInternal              ErrorTag = "INTERNAL_ERROR"
)

// RunResult is the finalized per-run record (§3).
type RunResult struct {
	Tier      TierID    `json:"tier"`
	Subtest   SubtestID `json:"subtest"`
	Run       RunNumber `json:"run"`

	AgentExitCode int        `json:"agent_exit_code"`
	TokenStats    TokenStats `json:"token_stats"`
	CostUSD       float64    `json:"cost_usd"`
	CostEstimated bool       `json:"cost_estimated"`

	AgentDuration time.Duration `json:"agent_duration_ns"`
	JudgeDuration time.Duration `json:"judge_duration_ns"`
	TotalDuration time.Duration `json:"total_duration_ns"`

	Judgments []Judgment `json:"judgments"`
	Consensus Consensus  `json:"consensus"`

	Passed bool  `json:"passed"`
	Grade  Grade `json:"grade"`

	CriteriaScores map[string]CriterionScore `json:"criteria_scores"`

	AgentArtifactDir string `json:"agent_artifact_dir"`
	JudgeArtifactDir string `json:"judge_artifact_dir"`

	ErrorTag ErrorTag `json:"error_tag,omitempty"`
	Error    string   `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Status derives the terminal RunStatus from a finalized RunResult.
func (r *RunResult) Status() RunStatus {
	if r.Passed {
		return RunPassed
	}
	return RunFailed
}

// SubtestResult aggregates N runs of one subtest (§3).
type SubtestResult struct {
	Tier    TierID      `json:"tier"`
	Subtest SubtestID   `json:"subtest"`
	Runs    []RunResult `json:"runs"`

	MedianScore float64    `json:"median_score"`
	PassRate    float64    `json:"pass_rate"`
	TokenTotal  TokenStats `json:"token_total"`
	CostTotal   float64    `json:"cost_total"`
	CostOfPass  *float64   `json:"cost_of_pass,omitempty"`
	DurationSum time.Duration `json:"duration_sum_ns"`

	ReportPath string `json:"report_path"`
}

// TierResult aggregates K subtests of one tier (§3).
type TierResult struct {
	Tier          TierID                        `json:"tier"`
	Subtests      map[SubtestID]*SubtestResult  `json:"subtests"`
	BestSubtestID *SubtestID                    `json:"best_subtest_id,omitempty"`
	State         TierState                     `json:"state"`
	ReportPath    string                        `json:"report_path"`
}

// ExperimentResult aggregates all tiers of one experiment (§3, §4.9).
type ExperimentResult struct {
	ExperimentID string                `json:"experiment_id"`
	State        ExperimentState       `json:"state"`
	Tiers        map[TierID]*TierResult `json:"tiers"`
	ReportPath   string                `json:"report_path"`
}
