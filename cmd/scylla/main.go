// Command scylla drives one offline evaluation experiment end to end:
// `scylla run` executes (or resumes) it, `scylla repair` rebuilds a
// checkpoint's completed_runs from on-disk run results. repair needs a
// checkpoint.json that still parses; an unparseable one is reported as an
// error and is not rebuilt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/scylla/internal/adapter"
	"github.com/danshapiro/scylla/internal/checkpoint"
	"github.com/danshapiro/scylla/internal/executor"
	"github.com/danshapiro/scylla/internal/experiment"
	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/obs"
	"github.com/danshapiro/scylla/internal/orchestrator"
	"github.com/danshapiro/scylla/internal/resolver"
	"github.com/danshapiro/scylla/internal/scerr"
	"github.com/danshapiro/scylla/internal/workspace"
)

// Exit codes per §6: 0 on experiment COMPLETE (even with failed tiers), 2
// on unrecoverable setup error, 130 on cancellation, 3 on lockfile conflict.
const (
	exitOK           = 0
	exitSetupError   = 2
	exitLockConflict = 3
	exitCancelled    = 130
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitSetupError)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "repair":
		os.Exit(repairCmd(os.Args[2:]))
	case "--version", "-version", "version":
		fmt.Println("scylla (dev build)")
	default:
		usage()
		os.Exit(exitSetupError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  scylla run --config <fixture_dir> --repo <url> --commit <sha> --results <dir>")
	fmt.Fprintln(os.Stderr, "             [--tiers T0,T1,...] [--runs N] [--parallel K] [--model M]")
	fmt.Fprintln(os.Stderr, "             [--judge-model J] [--add-judge J]... [--timeout SECS] [--max-subtests K]")
	fmt.Fprintln(os.Stderr, "             [--fresh] [--from STATE] [--filter-tier T] [--filter-status S] [-v|-q]")
	fmt.Fprintln(os.Stderr, "  scylla repair <checkpoint.json> [-v|-q]")
}

// stringList collects repeated occurrences of one flag, e.g.
// --add-judge gpt-5 --add-judge claude-sonnet-4-5.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fixtureDir := fs.String("config", "", "fixture directory (required)")
	repoURL := fs.String("repo", "", "source repository URL (required)")
	commit := fs.String("commit", "", "source commit (required)")
	resultsRoot := fs.String("results", "", "results root directory (required)")
	tiers := fs.String("tiers", "", "comma-separated tier ids (default: every tier directory under --config)")
	runs := fs.Int("runs", 1, "runs per subtest")
	parallel := fs.Int("parallel", 1, "parallelism cap (concurrent runs per subtest)")
	agentModel := fs.String("model", "", "agent model id (required)")
	judgeModel := fs.String("judge-model", "", "primary judge model id (required)")
	var addJudges stringList
	fs.Var(&addJudges, "add-judge", "additional judge model id (repeatable)")
	timeoutSecs := fs.Int("timeout", 600, "per-run timeout in seconds")
	maxSubtests := fs.Int("max-subtests", 0, "cap subtests run per tier (0 = unlimited)")
	fresh := fs.Bool("fresh", false, "discard checkpoint and quarantine the existing tree")
	fromStage := fs.String("from", "", "replay from stage: replay_generated|judge_pipeline_run|run_finalized")
	filterTier := fs.String("filter-tier", "", "restrict --from replay to one tier id")
	filterStatus := fs.String("filter-status", "", "restrict --from replay to runs with this checkpoint status")
	verbose := fs.Bool("v", false, "verbose logging")
	quiet := fs.Bool("q", false, "quiet logging")

	if err := fs.Parse(args); err != nil {
		return exitSetupError
	}
	obs.Configure(os.Stderr, *verbose, *quiet)

	if *fixtureDir == "" || *repoURL == "" || *commit == "" || *resultsRoot == "" || *agentModel == "" || *judgeModel == "" {
		fmt.Fprintln(os.Stderr, "run: --config, --repo, --commit, --results, --model, and --judge-model are required")
		usage()
		return exitSetupError
	}

	cfg := model.ExperimentConfig{
		SourceRepoURL:      *repoURL,
		SourceCommit:       *commit,
		FixtureDir:         *fixtureDir,
		ResultsRoot:        *resultsRoot,
		RunsPerSubtest:     *runs,
		ParallelismCap:     *parallel,
		AgentModel:         *agentModel,
		JudgeModels:        append([]string{*judgeModel}, addJudges...),
		PerRunTimeout:      model.Duration{Duration: time.Duration(*timeoutSecs) * time.Second},
		MaxSubtestsPerTier: *maxSubtests,
	}

	if *tiers != "" {
		for _, t := range strings.Split(*tiers, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Tiers = append(cfg.Tiers, model.TierID(t))
			}
		}
	} else {
		discovered, err := discoverTiers(*fixtureDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "run:", err)
			return exitSetupError
		}
		cfg.Tiers = discovered
	}
	if len(cfg.Tiers) == 0 {
		fmt.Fprintln(os.Stderr, "run: no tiers configured or discovered under --config")
		return exitSetupError
	}

	ws := workspace.New(cfg.ResultsRoot)
	res := resolver.New(*fixtureDir)
	reg := buildRegistry(cfg)
	ex := executor.New(reg, checkpoint.New(cfg.ResultsRoot))
	orch := orchestrator.New(ex, ws, res, cfg.ParallelismCap)
	runner := experiment.New(cfg, ws, res, orch)

	opts := experiment.Options{
		Fresh:        *fresh,
		FromStage:    *fromStage,
		FilterTier:   model.TierID(*filterTier),
		FilterStatus: model.RunStatus(*filterStatus),
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	result, err := runner.Run(ctx, cfg, opts)
	if err != nil {
		return exitCodeFor(ctx, err)
	}

	fmt.Printf("experiment %s finished: %s\n", result.ExperimentID, result.State)
	for tier, tr := range result.Tiers {
		fmt.Printf("  tier %s: %s (best subtest: %v)\n", tier, tr.State, safeSubtestID(tr.BestSubtestID))
	}
	return exitOK
}

func safeSubtestID(id *model.SubtestID) string {
	if id == nil {
		return "none"
	}
	return string(*id)
}

func repairCmd(args []string) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	quiet := fs.Bool("q", false, "quiet logging")
	if err := fs.Parse(args); err != nil {
		return exitSetupError
	}
	obs.Configure(os.Stderr, *verbose, *quiet)

	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "repair: expected exactly one <checkpoint.json> path argument")
		return exitSetupError
	}
	checkpointPath := rest[0]
	experimentRoot := filepath.Dir(checkpointPath)

	store := checkpoint.New(experimentRoot)
	cp, err := store.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "repair:", err)
		return exitSetupError
	}
	if cp == nil {
		fmt.Fprintln(os.Stderr, "repair: no checkpoint found at", checkpointPath)
		return exitSetupError
	}
	if err := checkpoint.Repair(experimentRoot, cp); err != nil {
		fmt.Fprintln(os.Stderr, "repair:", err)
		return exitSetupError
	}
	if err := store.Save(cp); err != nil {
		fmt.Fprintln(os.Stderr, "repair:", err)
		return exitSetupError
	}
	fmt.Println("repair: checkpoint rebuilt from on-disk run results")
	return exitOK
}

// buildRegistry wires the real collaborators (§6's external agent/judge
// interfaces): CLIAgent shells out to the configured coding-agent binary,
// AnthropicJudge scores against Anthropic's Messages API. The agent model
// id doubles as its executable name (e.g. "claude", "codex", "aider"), the
// same way kilroy resolves a node's provider id to a binary at the CLI
// layer; every configured judge model id is bound to the same
// AnthropicJudge instance, which reads ModelID back off each request.
func buildRegistry(cfg model.ExperimentConfig) *adapter.Registry {
	reg := adapter.NewRegistry()
	reg.RegisterAgent(cfg.AgentModel, adapter.NewCLIAgent(cfg.AgentModel))

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		judge := adapter.NewAnthropicJudge(apiKey)
		for _, modelID := range cfg.JudgeModels {
			reg.RegisterJudge(modelID, judge)
		}
	}
	return reg
}

// discoverTiers enumerates tier directories directly under the fixture
// directory when --tiers is not given: any entry that is itself a
// directory other than the shared "resources" library directory.
func discoverTiers(fixtureDir string) ([]model.TierID, error) {
	entries, err := os.ReadDir(fixtureDir)
	if err != nil {
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "read fixture directory", err)
	}
	var tiers []model.TierID
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "resources" {
			continue
		}
		tiers = append(tiers, model.TierID(e.Name()))
	}
	return tiers, nil
}

// exitCodeFor maps a Run error to the §6 exit code contract.
func exitCodeFor(ctx context.Context, err error) int {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return exitCancelled
	}
	if tag, ok := scerr.TagOf(err); ok && tag == scerr.TagExperimentLockHeld {
		return exitLockConflict
	}
	fmt.Fprintln(os.Stderr, "run:", err)
	return exitSetupError
}

// signalCancelContext cancels ctx on SIGINT/SIGTERM so the Experiment
// Runner can finish its current external call and persist partial state
// before exiting (§5 Cancellation), the same pattern kilroy's
// cmd/kilroy/main.go uses for its own run/attractor subcommands.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}
