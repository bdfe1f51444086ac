package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/danshapiro/scylla/internal/model"
)

func runMarkdown(rr model.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s / %s / %s\n\n", rr.Tier, rr.Subtest, rr.Run.Dir())
	fmt.Fprintf(&b, "- Passed: **%v**\n", rr.Passed)
	fmt.Fprintf(&b, "- Grade: %s\n", rr.Grade)
	fmt.Fprintf(&b, "- Consensus score: %.3f (valid judges %d/%d)\n", rr.Consensus.Score, rr.Consensus.ValidJudgeCount, rr.Consensus.TotalJudgeCount)
	if rr.Consensus.HighDisagreement {
		b.WriteString("- **High judge disagreement** (max pairwise delta ")
		fmt.Fprintf(&b, "%.3f)\n", rr.Consensus.MaxPairwiseDelta)
	}
	fmt.Fprintf(&b, "- Tokens: %s in / %s out\n", humanize.Comma(rr.TokenStats.Input), humanize.Comma(rr.TokenStats.Output))
	fmt.Fprintf(&b, "- Cost: %s\n", dollars(rr.CostUSD))
	fmt.Fprintf(&b, "- Duration: %s\n", rr.TotalDuration.Round(1e6))
	if rr.ErrorTag != "" {
		fmt.Fprintf(&b, "- Error: `%s` — %s\n", rr.ErrorTag, rr.Error)
	}

	if len(rr.Judgments) > 0 {
		b.WriteString("\n## Judgments\n\n")
		b.WriteString("| Judge | Score | Passed | Grade | Valid |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, j := range rr.Judgments {
			fmt.Fprintf(&b, "| %s | %.3f | %v | %s | %v |\n", j.JudgeModel, j.Score, j.Passed, j.Grade, j.Valid)
		}
	}
	return b.String()
}

func subtestMarkdown(sr *model.SubtestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Subtest %s / %s\n\n", sr.Tier, sr.Subtest)
	fmt.Fprintf(&b, "- Median score: %.3f\n", sr.MedianScore)
	fmt.Fprintf(&b, "- Pass rate: %.0f%% (%d runs)\n", sr.PassRate*100, len(sr.Runs))
	fmt.Fprintf(&b, "- Token total: %s in / %s out\n", humanize.Comma(sr.TokenTotal.Input), humanize.Comma(sr.TokenTotal.Output))
	fmt.Fprintf(&b, "- Cost total: %s\n", dollars(sr.CostTotal))
	if sr.CostOfPass != nil {
		fmt.Fprintf(&b, "- Cost of pass: %s\n", dollars(*sr.CostOfPass))
	} else {
		b.WriteString("- Cost of pass: n/a (no passing runs)\n")
	}
	fmt.Fprintf(&b, "- Duration sum: %s\n", sr.DurationSum.Round(1e6))

	if len(sr.Runs) == 0 {
		return b.String()
	}
	bestRun, cheapestRun := bestAndCheapestRun(sr.Runs)

	b.WriteString("\n## Runs\n\n")
	b.WriteString("| Run | Passed | Score | Grade | Cost | Duration | Report |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range sr.Runs {
		score := fmt.Sprintf("%.3f", r.Consensus.Score)
		cost := dollars(r.CostUSD)
		if r.Run == bestRun {
			score = "**" + score + "**"
		}
		if r.Run == cheapestRun {
			cost = "*" + cost + "*"
		}
		fmt.Fprintf(&b, "| %s | %v | %s | %s | %s | %s | [link](%s/report.md) |\n",
			r.Run.Dir(), r.Passed, score, r.Grade, cost, r.TotalDuration.Round(1e6), r.Run.Dir())
	}
	return b.String()
}

// bestAndCheapestRun returns the run number with the highest consensus
// score and, separately, the run number with the lowest cost — the two
// columns markdown tables emphasize instead of adding a "Best" column.
func bestAndCheapestRun(runs []model.RunResult) (best, cheapest model.RunNumber) {
	best, cheapest = runs[0].Run, runs[0].Run
	bestScore, cheapestCost := runs[0].Consensus.Score, runs[0].CostUSD
	for _, r := range runs[1:] {
		if r.Consensus.Score > bestScore {
			bestScore, best = r.Consensus.Score, r.Run
		}
		if r.CostUSD < cheapestCost {
			cheapestCost, cheapest = r.CostUSD, r.Run
		}
	}
	return best, cheapest
}

func tierMarkdown(tr *model.TierResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Tier %s\n\n", tr.Tier)
	fmt.Fprintf(&b, "- State: %s\n", tr.State)
	if tr.BestSubtestID != nil {
		fmt.Fprintf(&b, "- Best subtest: [%s](%s/report.md)\n", *tr.BestSubtestID, *tr.BestSubtestID)
	}

	ids := sortedSubtestIDs(tr.Subtests)
	if len(ids) == 0 {
		return b.String()
	}
	b.WriteString("\n## Subtests\n\n")
	b.WriteString("| Subtest | Median Score | Pass Rate | Cost Total | Cost of Pass | Report |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, id := range ids {
		sr := tr.Subtests[id]
		score := fmt.Sprintf("%.3f", sr.MedianScore)
		costOfPass := "n/a"
		if sr.CostOfPass != nil {
			costOfPass = dollars(*sr.CostOfPass)
		}
		if tr.BestSubtestID != nil && id == *tr.BestSubtestID {
			score = "**" + score + "**"
		}
		fmt.Fprintf(&b, "| %s | %s | %.0f%% | %s | %s | [link](%s/report.md) |\n",
			id, score, sr.PassRate*100, dollars(sr.CostTotal), costOfPass, id)
	}
	return b.String()
}

func experimentMarkdown(result *model.ExperimentResult, tierOrder []model.TierID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Experiment %s\n\n", result.ExperimentID)
	fmt.Fprintf(&b, "- State: %s\n", result.State)

	if len(tierOrder) == 0 {
		return b.String()
	}
	b.WriteString("\n## Tiers\n\n")
	b.WriteString("| Tier | State | Best Subtest | Report |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, tier := range tierOrder {
		tr, ok := result.Tiers[tier]
		if !ok {
			continue
		}
		best := "n/a"
		if tr.BestSubtestID != nil {
			best = string(*tr.BestSubtestID)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | [link](%s/report.md) |\n", tier, tr.State, best, tier)
	}
	return b.String()
}

func sortedSubtestIDs(m map[model.SubtestID]*model.SubtestResult) []model.SubtestID {
	ids := make([]model.SubtestID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}
