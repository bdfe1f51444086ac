// Package obs provides the engine's structured logging, a slog wrapper in
// the style of kadirpekel-hector's pkg/logger: one process-wide logger
// configured once from CLI flags, with a JSON handler for non-interactive
// output and a text handler for terminals.
package obs

import (
	"io"
	"log/slog"
	"os"
)

var base = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Configure installs the process-wide logger. verbose maps to Debug,
// quiet to Warn, the default to Info — matching the CLI's -v/-q flags (§6).
func Configure(w io.Writer, verbose, quiet bool) {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	var handler slog.Handler
	if isTerminal(w) {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	base = slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Logger returns the process-wide logger.
func Logger() *slog.Logger { return base }

// ForExperiment returns a logger carrying the experiment id as a
// correlation attribute, the way kilroy's progress events carry run_id.
func ForExperiment(experimentID string) *slog.Logger {
	return base.With("experiment_id", experimentID)
}

// ForRun returns a logger carrying tier/subtest/run correlation attributes.
func ForRun(experimentID, tier, subtest string, run int) *slog.Logger {
	return base.With(
		"experiment_id", experimentID,
		"tier", tier,
		"subtest", subtest,
		"run", run,
	)
}
