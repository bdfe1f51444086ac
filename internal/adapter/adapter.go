// Package adapter defines the two external collaborator interfaces (§6):
// the Agent Adapter, which drives an external coding-agent process against a
// workspace, and the Judge Client, which asks a model to grade a completed
// run. Concrete implementations are registered by model id, mirroring
// kilroy's CodergenBackend/ProviderRuntime dispatch
// (internal/attractor/engine/handlers.go, codergen_router.go).
package adapter

import (
	"context"
	"time"

	"github.com/danshapiro/scylla/internal/model"
)

// AgentRequest carries everything an Agent Adapter needs for one run (§6).
type AgentRequest struct {
	ModelID     string
	PromptPath  string
	WorkspaceDir string
	OutputDir   string
	Config      map[string]any
	Timeout     time.Duration
}

// AgentResult is what the Run Executor reads back after an agent invocation
// exits; the adapter is also responsible for writing the run's
// agent/result.json with the same fields (§6).
type AgentResult struct {
	ExitCode int
	Tokens   model.TokenStats
	CostUSD  float64
	Started  time.Time
	Ended    time.Time
	Error    string
}

// Agent is the external collaborator that runs a coding agent against a
// workspace and reports what happened.
type Agent interface {
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// JudgeRequest carries the composed judge invocation (§4.5): paths only,
// never inlined file content.
type JudgeRequest struct {
	ModelID         string
	PromptPath      string
	CriteriaPath    string
	RubricPath      string
	AgentOutputPath string
	WorkspaceDir    string
	// OutputDir is this judge's judge_MM artifact directory, where the
	// composed prompt and raw response are written for reproducibility.
	OutputDir string
	Timeout   time.Duration
}

// JudgeResult is one judge's parsed verdict, matching §4.5's JSON contract.
type JudgeResult struct {
	Score          float64
	Passed         bool
	Grade          model.Grade
	Reasoning      string
	CriteriaScores map[string]model.CriterionScore
}

// Judge is the external collaborator that grades one completed run.
type Judge interface {
	Evaluate(ctx context.Context, req JudgeRequest) (JudgeResult, error)
}

// Registry resolves a model id to a concrete Agent or Judge implementation,
// the way kilroy's CodergenRouter resolves a node's provider id to a
// ProviderRuntime (codergen_router.go).
type Registry struct {
	agents map[string]Agent
	judges map[string]Judge

	defaultAgent Agent
	defaultJudge Judge
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]Agent{}, judges: map[string]Judge{}}
}

// RegisterAgent binds a model id to an Agent implementation.
func (r *Registry) RegisterAgent(modelID string, a Agent) {
	r.agents[modelID] = a
}

// RegisterJudge binds a model id to a Judge implementation.
func (r *Registry) RegisterJudge(modelID string, j Judge) {
	r.judges[modelID] = j
}

// SetDefaultAgent sets the fallback used when a requested model id has no
// explicit registration — analogous to kilroy's provider failover chain.
func (r *Registry) SetDefaultAgent(a Agent) { r.defaultAgent = a }

// SetDefaultJudge sets the judge fallback.
func (r *Registry) SetDefaultJudge(j Judge) { r.defaultJudge = j }

func (r *Registry) Agent(modelID string) (Agent, bool) {
	if a, ok := r.agents[modelID]; ok {
		return a, true
	}
	if r.defaultAgent != nil {
		return r.defaultAgent, true
	}
	return nil, false
}

func (r *Registry) Judge(modelID string) (Judge, bool) {
	if j, ok := r.judges[modelID]; ok {
		return j, true
	}
	if r.defaultJudge != nil {
		return r.defaultJudge, true
	}
	return nil, false
}
