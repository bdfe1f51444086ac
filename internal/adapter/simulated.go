package adapter

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/scylla/internal/model"
)

// SimulatedAgent is a deterministic stand-in Agent for tests, grounded on
// kilroy's SimulatedCodergenBackend (engine/handlers.go): it performs no
// external process invocation and reports a canned outcome.
type SimulatedAgent struct {
	ExitCode int
	Output   string
	Tokens   model.TokenStats
	CostUSD  float64
	Err      error
}

func (s *SimulatedAgent) Run(ctx context.Context, req AgentRequest) (AgentResult, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return AgentResult{}, err
	}
	output := s.Output
	if output == "" {
		output = "[Simulated] agent completed for " + req.PromptPath
	}
	if err := os.WriteFile(filepath.Join(req.OutputDir, "output.txt"), []byte(output), 0o644); err != nil {
		return AgentResult{}, err
	}
	started := time.Now()
	ended := started
	return AgentResult{
		ExitCode: s.ExitCode,
		Tokens:   s.Tokens,
		CostUSD:  s.CostUSD,
		Started:  started,
		Ended:    ended,
	}, s.Err
}

// SimulatedJudge is a deterministic stand-in Judge for tests.
type SimulatedJudge struct {
	Result JudgeResult
	Err    error
}

func (s *SimulatedJudge) Evaluate(ctx context.Context, req JudgeRequest) (JudgeResult, error) {
	return s.Result, s.Err
}
