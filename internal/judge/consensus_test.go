package judge

import (
	"testing"

	"github.com/danshapiro/scylla/internal/model"
)

func valid(score float64, passed bool, grade model.Grade) model.Judgment {
	return model.Judgment{Score: score, Passed: passed, Grade: grade, Valid: true,
		CriteriaScores: map[string]model.CriterionScore{"correctness": {Score: score}}}
}

func TestConsensusMedianOddCount(t *testing.T) {
	js := []model.Judgment{valid(0.5, true, model.GradeB), valid(0.9, true, model.GradeA), valid(0.7, true, model.GradeA)}
	c := Consensus(js, DefaultPassThreshold, DefaultDisagreementThreshold)
	if c.Score != 0.7 {
		t.Fatalf("expected median 0.7, got %v", c.Score)
	}
}

func TestConsensusMedianEvenCountAveragesMiddleTwo(t *testing.T) {
	js := []model.Judgment{valid(0.2, false, model.GradeD), valid(0.4, false, model.GradeC), valid(0.6, true, model.GradeB), valid(0.8, true, model.GradeA)}
	c := Consensus(js, DefaultPassThreshold, DefaultDisagreementThreshold)
	if c.Score != 0.5 {
		t.Fatalf("expected median 0.5, got %v", c.Score)
	}
}

func TestConsensusMajorityVotePass(t *testing.T) {
	js := []model.Judgment{valid(0.9, true, model.GradeA), valid(0.9, true, model.GradeA), valid(0.1, false, model.GradeF)}
	c := Consensus(js, DefaultPassThreshold, DefaultDisagreementThreshold)
	if !c.Passed {
		t.Fatal("expected majority-vote pass")
	}
}

func TestConsensusTieBreaksOnThreshold(t *testing.T) {
	js := []model.Judgment{valid(0.65, true, model.GradeB), valid(0.65, false, model.GradeB)}
	c := Consensus(js, 0.60, DefaultDisagreementThreshold)
	if !c.Passed {
		t.Fatal("expected tie to resolve to pass (median >= 0.60)")
	}

	js2 := []model.Judgment{valid(0.50, true, model.GradeC), valid(0.50, false, model.GradeC)}
	c2 := Consensus(js2, 0.60, DefaultDisagreementThreshold)
	if c2.Passed {
		t.Fatal("expected tie to resolve to fail (median < 0.60)")
	}
}

func TestConsensusExcludesInvalidJudgments(t *testing.T) {
	js := []model.Judgment{valid(0.8, true, model.GradeA), {Valid: false}}
	c := Consensus(js, DefaultPassThreshold, DefaultDisagreementThreshold)
	if c.ValidJudgeCount != 1 || c.TotalJudgeCount != 2 {
		t.Fatalf("unexpected counts: valid=%d total=%d", c.ValidJudgeCount, c.TotalJudgeCount)
	}
	if c.Score != 0.8 {
		t.Fatalf("expected score from the single valid judge, got %v", c.Score)
	}
}

func TestConsensusAllInvalidYieldsZeroValue(t *testing.T) {
	js := []model.Judgment{{Valid: false}, {Valid: false}}
	c := Consensus(js, DefaultPassThreshold, DefaultDisagreementThreshold)
	if c.ValidJudgeCount != 0 {
		t.Fatalf("expected 0 valid judges, got %d", c.ValidJudgeCount)
	}
	if c.Passed {
		t.Fatal("expected no-pass when no valid judges")
	}
}

func TestConsensusHighDisagreementFlag(t *testing.T) {
	js := []model.Judgment{valid(0.1, false, model.GradeF), valid(0.95, true, model.GradeS)}
	c := Consensus(js, DefaultPassThreshold, 0.3)
	if !c.HighDisagreement {
		t.Fatal("expected high disagreement flag for large pairwise delta")
	}
}

func TestBestSubtestPrefersHigherMedianOutsideTieWindow(t *testing.T) {
	subtests := map[model.SubtestID]*model.SubtestResult{
		"00-low":  {Subtest: "00-low", MedianScore: 0.5, TokenTotal: model.TokenStats{Input: 100}},
		"01-high": {Subtest: "01-high", MedianScore: 0.9, TokenTotal: model.TokenStats{Input: 500}},
	}
	best := BestSubtest(subtests, DefaultTieThreshold)
	if best == nil || *best != "01-high" {
		t.Fatalf("expected 01-high, got %v", best)
	}
}

func TestBestSubtestTieBreaksOnLowerTokens(t *testing.T) {
	subtests := map[model.SubtestID]*model.SubtestResult{
		"00-cheap": {Subtest: "00-cheap", MedianScore: 0.70, TokenTotal: model.TokenStats{Input: 100}},
		"01-pricey": {Subtest: "01-pricey", MedianScore: 0.72, TokenTotal: model.TokenStats{Input: 900}},
	}
	best := BestSubtest(subtests, DefaultTieThreshold)
	if best == nil || *best != "00-cheap" {
		t.Fatalf("expected tie-break to prefer lower tokens (00-cheap), got %v", best)
	}
}

func TestBestSubtestFinalTieBreaksLexicographically(t *testing.T) {
	subtests := map[model.SubtestID]*model.SubtestResult{
		"01-b": {Subtest: "01-b", MedianScore: 0.70, TokenTotal: model.TokenStats{Input: 100}},
		"00-a": {Subtest: "00-a", MedianScore: 0.70, TokenTotal: model.TokenStats{Input: 100}},
	}
	best := BestSubtest(subtests, DefaultTieThreshold)
	if best == nil || *best != "00-a" {
		t.Fatalf("expected lexicographic tie-break to prefer 00-a, got %v", best)
	}
}
