package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/scylla/internal/model"
)

func TestRegistryFallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	specific := &SimulatedAgent{Output: "specific"}
	fallback := &SimulatedAgent{Output: "fallback"}
	r.RegisterAgent("claude-opus", specific)
	r.SetDefaultAgent(fallback)

	got, ok := r.Agent("claude-opus")
	if !ok || got != Agent(specific) {
		t.Fatalf("expected registered agent for exact model id")
	}
	got, ok = r.Agent("unknown-model")
	if !ok || got != Agent(fallback) {
		t.Fatalf("expected fallback agent for unregistered model id")
	}
}

func TestRegistryNoMatchNoDefault(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Agent("anything"); ok {
		t.Fatal("expected no agent when none registered and no default set")
	}
}

func TestSimulatedAgentWritesOutput(t *testing.T) {
	out := t.TempDir()
	a := &SimulatedAgent{ExitCode: 0, Output: "hello world", Tokens: model.TokenStats{Input: 10, Output: 5}}
	res, err := a.Run(context.Background(), AgentRequest{PromptPath: "task_prompt.md", OutputDir: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	b, err := os.ReadFile(filepath.Join(out, "output.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello world" {
		t.Fatalf("unexpected output.txt content: %q", b)
	}
}

func TestParseJudgeJSONDirect(t *testing.T) {
	text := `{"score":0.8,"passed":true,"grade":"A","reasoning":"good","criteria_scores":{"correctness":{"score":0.9,"explanation":"fine"}}}`
	got, err := parseJudgeJSON(text)
	if err != nil {
		t.Fatalf("parseJudgeJSON: %v", err)
	}
	if got.Score != 0.8 || !got.Passed || got.Grade != "A" {
		t.Fatalf("unexpected parse result: %+v", got)
	}
}

func TestParseJudgeJSONEmbeddedInProse(t *testing.T) {
	text := "Here is my evaluation:\n" +
		`{"score":0.5,"passed":false,"grade":"C","reasoning":"meh","criteria_scores":{}}` +
		"\nThanks!"
	got, err := parseJudgeJSON(text)
	if err != nil {
		t.Fatalf("parseJudgeJSON: %v", err)
	}
	if got.Score != 0.5 || got.Passed {
		t.Fatalf("unexpected parse result: %+v", got)
	}
}

func TestParseJudgeJSONUnparseable(t *testing.T) {
	if _, err := parseJudgeJSON("not json at all"); err == nil {
		t.Fatal("expected parse error for non-JSON text")
	}
}

func TestCLIAgentRunsExecutableAndCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "task_prompt.md")
	if err := os.WriteFile(promptPath, []byte("do the thing"), 0o644); err != nil {
		t.Fatal(err)
	}
	workspace := t.TempDir()
	outDir := filepath.Join(dir, "agent")

	agent := NewCLIAgent("/bin/cat")
	res, err := agent.Run(context.Background(), AgentRequest{
		ModelID:      "test-model",
		PromptPath:   promptPath,
		WorkspaceDir: workspace,
		OutputDir:    outDir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	out, err := os.ReadFile(filepath.Join(outDir, "output.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "do the thing" {
		t.Fatalf("unexpected captured output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(outDir, "result.json")); err != nil {
		t.Fatalf("expected result.json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "replay.sh")); err != nil {
		t.Fatalf("expected replay.sh: %v", err)
	}
}

func TestCLIAgentNonZeroExitIsError(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "task_prompt.md")
	if err := os.WriteFile(promptPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "agent")

	agent := NewCLIAgent("/bin/false")
	_, err := agent.Run(context.Background(), AgentRequest{
		PromptPath:   promptPath,
		WorkspaceDir: t.TempDir(),
		OutputDir:    outDir,
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}
