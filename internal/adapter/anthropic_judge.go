package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/scerr"
)

// AnthropicJudge implements Judge against Anthropic's Messages API, grounded
// on dshills-langgraph-go's AnthropicProvider.ReviewBatch: build a single
// user-turn prompt requesting strict JSON output, then parse the response
// text as a JSON object, with one re-prompt on parse failure (§4.5).
type AnthropicJudge struct {
	Client  *anthropicsdk.Client
	MaxTokens int
}

func NewAnthropicJudge(apiKey string) *AnthropicJudge {
	c := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicJudge{Client: &c, MaxTokens: 4096}
}

type judgeResponseJSON struct {
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Grade     string  `json:"grade"`
	Reasoning string  `json:"reasoning"`
	CriteriaScores map[string]struct {
		Score       float64 `json:"score"`
		Explanation string  `json:"explanation"`
	} `json:"criteria_scores"`
}

func (j *AnthropicJudge) Evaluate(ctx context.Context, req JudgeRequest) (JudgeResult, error) {
	prompt, err := j.composePrompt(req)
	if err != nil {
		return JudgeResult{}, err
	}
	if req.OutputDir != "" {
		if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
			return JudgeResult{}, scerr.Wrap(scerr.TagJudgePermanent, "create judge output dir", err)
		}
		_ = os.WriteFile(filepath.Join(req.OutputDir, "prompt.md"), []byte(prompt), 0o644)
		_ = j.writeReplayScript(req)
	}

	text, err := j.complete(ctx, req.ModelID, prompt)
	if err != nil {
		return JudgeResult{}, scerr.Wrap(scerr.TagJudgePermanent, "judge model invocation", err)
	}

	parsed, parseErr := parseJudgeJSON(text)
	if parseErr != nil {
		retryPrompt := prompt + "\n\nYour previous response could not be parsed as JSON: " + parseErr.Error() + "\nRespond with ONLY the JSON object, no surrounding text."
		text2, err2 := j.complete(ctx, req.ModelID, retryPrompt)
		if err2 != nil {
			return JudgeResult{}, scerr.Wrap(scerr.TagJudgePermanent, "judge re-prompt invocation", err2)
		}
		text = text2
		parsed, parseErr = parseJudgeJSON(text2)
		if parseErr != nil {
			j.writeResponse(req, text)
			return JudgeResult{}, scerr.Wrap(scerr.TagJudgeParseError, "judge output failed to parse twice", parseErr)
		}
	}
	j.writeResponse(req, text)

	criteria := make(map[string]model.CriterionScore, len(parsed.CriteriaScores))
	for k, v := range parsed.CriteriaScores {
		criteria[k] = model.CriterionScore{Score: v.Score, Explanation: v.Explanation}
	}
	return JudgeResult{
		Score:          parsed.Score,
		Passed:         parsed.Passed,
		Grade:          model.Grade(parsed.Grade),
		Reasoning:      parsed.Reasoning,
		CriteriaScores: criteria,
	}, nil
}

func (j *AnthropicJudge) writeResponse(req JudgeRequest, text string) {
	if req.OutputDir == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(req.OutputDir, "response.txt"), []byte(text), 0o644)
}

func (j *AnthropicJudge) writeReplayScript(req JudgeRequest) error {
	script := fmt.Sprintf("#!/bin/sh\n# Replay note: this judge invocation is an API call, not a subprocess;\n# re-run it by POSTing prompt.md as a single user message to model %q.\n", req.ModelID)
	return os.WriteFile(filepath.Join(req.OutputDir, "replay.sh"), []byte(script), 0o755)
}

func (j *AnthropicJudge) complete(ctx context.Context, modelID, prompt string) (string, error) {
	msg, err := j.Client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelID),
		MaxTokens: int64(j.MaxTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return text.String(), nil
}

func (j *AnthropicJudge) composePrompt(req JudgeRequest) (string, error) {
	promptBytes, err := os.ReadFile(req.PromptPath)
	if err != nil {
		return "", scerr.Wrap(scerr.TagJudgePermanent, "read judge_prompt.md", err)
	}
	template := string(promptBytes)
	replacer := strings.NewReplacer(
		"{{criteria_path}}", req.CriteriaPath,
		"{{rubric_path}}", req.RubricPath,
		"{{agent_output_path}}", req.AgentOutputPath,
		"{{workspace_dir}}", req.WorkspaceDir,
	)
	return replacer.Replace(template), nil
}

// parseJudgeJSON extracts a JSON object from the judge's response text,
// tolerating a surrounding prose wrapper the way dshills-langgraph-go's
// parseResponse falls back to scanning for an embedded JSON array.
func parseJudgeJSON(text string) (judgeResponseJSON, error) {
	var out judgeResponseJSON
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		return out, nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return out, fmt.Errorf("no JSON object found in judge response")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err != nil {
		return out, fmt.Errorf("embedded JSON object failed to parse: %w", err)
	}
	return out, nil
}
