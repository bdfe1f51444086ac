package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/scylla/internal/scerr"
)

// CLIAgent runs an external coding-agent binary as a subprocess against a
// workspace, the way kilroy's executeSetupCommands runs setup commands: its
// own process group so the whole tree can be killed on timeout, separate
// stdout/stderr capture, and a replay script for reproduction.
type CLIAgent struct {
	// Executable is the agent binary, e.g. "claude", "codex", "aider".
	Executable string
	// ArgsTemplate builds the process argv from the prompt path and
	// workspace dir; defaults to passing the prompt on stdin if nil.
	ArgsTemplate func(promptPath, workspaceDir string, cfg map[string]any) []string
}

func NewCLIAgent(executable string) *CLIAgent {
	return &CLIAgent{Executable: executable}
}

func (a *CLIAgent) Run(ctx context.Context, req AgentRequest) (AgentResult, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return AgentResult{}, scerr.Wrap(scerr.TagAgentPermanent, "create agent output dir", err)
	}

	args := []string{}
	if a.ArgsTemplate != nil {
		args = a.ArgsTemplate(req.PromptPath, req.WorkspaceDir, req.Config)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.Executable, args...)
	cmd.Dir = req.WorkspaceDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	promptFile, err := os.Open(req.PromptPath)
	if err != nil {
		return AgentResult{}, scerr.Wrap(scerr.TagAgentPermanent, "open prompt file", err)
	}
	defer promptFile.Close()
	cmd.Stdin = promptFile

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	ended := time.Now()

	if err := os.WriteFile(filepath.Join(req.OutputDir, "stdout.log"), stdout.Bytes(), 0o644); err != nil {
		return AgentResult{}, scerr.Wrap(scerr.TagAgentPermanent, "write stdout.log", err)
	}
	if err := os.WriteFile(filepath.Join(req.OutputDir, "stderr.log"), stderr.Bytes(), 0o644); err != nil {
		return AgentResult{}, scerr.Wrap(scerr.TagAgentPermanent, "write stderr.log", err)
	}
	if err := os.WriteFile(filepath.Join(req.OutputDir, "output.txt"), stdout.Bytes(), 0o644); err != nil {
		return AgentResult{}, scerr.Wrap(scerr.TagAgentPermanent, "write output.txt", err)
	}
	if err := a.writeReplayScript(req); err != nil {
		return AgentResult{}, err
	}

	exitCode := 0
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if runCtx.Err() != nil {
		return AgentResult{}, scerr.Wrap(scerr.TagAgentTimeout, fmt.Sprintf("agent invocation exceeded %s", timeout), runCtx.Err())
	}

	result := AgentResult{
		ExitCode: exitCode,
		Started:  started,
		Ended:    ended,
		Error:    errMsg,
	}
	if err := a.writeResultJSON(req.OutputDir, result); err != nil {
		return AgentResult{}, err
	}
	if exitCode != 0 {
		return result, scerr.New(scerr.TagAgentPermanent, fmt.Sprintf("agent exited %d: %s", exitCode, strings.TrimSpace(stderr.String())))
	}
	return result, nil
}

func (a *CLIAgent) writeReplayScript(req AgentRequest) error {
	args := []string{}
	if a.ArgsTemplate != nil {
		args = a.ArgsTemplate(req.PromptPath, req.WorkspaceDir, req.Config)
	}
	script := fmt.Sprintf("#!/bin/sh\nset -eu\ncd %q\n%s %s < %q\n",
		req.WorkspaceDir, a.Executable, strings.Join(quoteArgs(args), " "), req.PromptPath)
	return os.WriteFile(filepath.Join(req.OutputDir, "replay.sh"), []byte(script), 0o755)
}

func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = fmt.Sprintf("%q", a)
	}
	return out
}

type resultJSON struct {
	ExitCode   int            `json:"exit_code"`
	TokenStats tokenStatsJSON `json:"token_stats"`
	CostUSD    float64        `json:"cost_usd"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Error      *string        `json:"error,omitempty"`
}

type tokenStatsJSON struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cache_read"`
	CacheCreation int64 `json:"cache_creation"`
}

func (a *CLIAgent) writeResultJSON(outputDir string, r AgentResult) error {
	doc := resultJSON{
		ExitCode: r.ExitCode,
		TokenStats: tokenStatsJSON{
			Input:         r.Tokens.Input,
			Output:        r.Tokens.Output,
			CacheRead:     r.Tokens.CacheRead,
			CacheCreation: r.Tokens.CacheCreation,
		},
		CostUSD:   r.CostUSD,
		StartedAt: r.Started,
		EndedAt:   r.Ended,
	}
	if r.Error != "" {
		doc.Error = &r.Error
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return scerr.Wrap(scerr.TagAgentPermanent, "marshal result.json", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "result.json"), b, 0o644); err != nil {
		return scerr.Wrap(scerr.TagAgentPermanent, "write result.json", err)
	}
	return nil
}
