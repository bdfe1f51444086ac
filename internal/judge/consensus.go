// Package judge implements the consensus half of C5, the Judge Pipeline:
// combining N independent judge verdicts into one Consensus record (median
// score, majority-vote pass, disagreement detection), and selecting the
// best subtest within a tier (§4.5). The per-judge invocation itself lives
// in internal/adapter (the external collaborator); this package is pure
// aggregation logic, grounded on kilroy's modeldb catalog's plain-struct,
// no-side-effect style rather than any specific aggregation code (kilroy
// has no multi-judge consensus concept of its own).
package judge

import (
	"sort"

	"github.com/danshapiro/scylla/internal/model"
)

// DefaultPassThreshold is the tie-break pass threshold when judges split
// evenly (§4.5 default 0.60).
const DefaultPassThreshold = 0.60

// DefaultDisagreementThreshold flags high_disagreement when the maximum
// pairwise score delta exceeds this value.
const DefaultDisagreementThreshold = 0.30

// DefaultTieThreshold is the best-subtest tie-break window on median score
// (§4.5 default 0.05).
const DefaultTieThreshold = 0.05

// Consensus aggregates a run's judgments per §4.5: median score (mean of
// middle two when count is even), majority-vote pass with threshold tie-
// break, element-wise median per-criterion scores, and max-pairwise-delta
// disagreement detection.
func Consensus(judgments []model.Judgment, passThreshold, disagreementThreshold float64) model.Consensus {
	valid := make([]model.Judgment, 0, len(judgments))
	for _, j := range judgments {
		if j.Valid {
			valid = append(valid, j)
		}
	}

	c := model.Consensus{
		TotalJudgeCount: len(judgments),
		ValidJudgeCount: len(valid),
		CriteriaScores:  map[string]model.CriterionScore{},
	}
	if len(valid) == 0 {
		return c
	}

	scores := make([]float64, len(valid))
	for i, j := range valid {
		scores[i] = j.Score
	}
	c.Score = median(scores)
	c.MaxPairwiseDelta = maxPairwiseDelta(scores)
	c.HighDisagreement = c.MaxPairwiseDelta > disagreementThreshold

	passVotes := 0
	for _, j := range valid {
		if j.Passed {
			passVotes++
		}
	}
	switch {
	case passVotes*2 > len(valid):
		c.Passed = true
	case passVotes*2 < len(valid):
		c.Passed = false
	default:
		c.Passed = c.Score >= passThreshold
	}

	c.Grade = majorityGrade(valid)
	c.CriteriaScores = elementwiseMedianCriteria(valid)
	return c
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func maxPairwiseDelta(vals []float64) float64 {
	max := 0.0
	for i := 0; i < len(vals); i++ {
		for k := i + 1; k < len(vals); k++ {
			d := vals[i] - vals[k]
			if d < 0 {
				d = -d
			}
			if d > max {
				max = d
			}
		}
	}
	return max
}

// majorityGrade picks the most-common grade among valid judges, breaking
// ties by the better grade in the order S>A>B>C>D>F.
func majorityGrade(valid []model.Judgment) model.Grade {
	order := []model.Grade{model.GradeS, model.GradeA, model.GradeB, model.GradeC, model.GradeD, model.GradeF}
	counts := map[model.Grade]int{}
	for _, j := range valid {
		counts[j.Grade]++
	}
	best := order[len(order)-1]
	bestCount := -1
	for _, g := range order {
		if counts[g] > bestCount {
			bestCount = counts[g]
			best = g
		}
	}
	return best
}

func elementwiseMedianCriteria(valid []model.Judgment) map[string]model.CriterionScore {
	byKey := map[string][]model.CriterionScore{}
	for _, j := range valid {
		for k, cs := range j.CriteriaScores {
			byKey[k] = append(byKey[k], cs)
		}
	}
	out := map[string]model.CriterionScore{}
	for k, scores := range byKey {
		vals := make([]float64, len(scores))
		var explanation string
		for i, s := range scores {
			vals[i] = s.Score
			if explanation == "" {
				explanation = s.Explanation
			}
		}
		out[k] = model.CriterionScore{Score: median(vals), Explanation: explanation}
	}
	return out
}

// BestSubtest implements §4.5's best-subtest selection: compare median
// scores; within tieThreshold prefer lower total tokens; if still tied
// prefer the lexicographically smaller SubtestId. No model invocation is
// involved.
func BestSubtest(subtests map[model.SubtestID]*model.SubtestResult, tieThreshold float64) *model.SubtestID {
	if len(subtests) == 0 {
		return nil
	}
	ids := make([]model.SubtestID, 0, len(subtests))
	for id := range subtests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	best := ids[0]
	for _, id := range ids[1:] {
		cur := subtests[best]
		cand := subtests[id]
		if better(cand, cur, tieThreshold) {
			best = id
		}
	}
	return &best
}

func better(cand, cur *model.SubtestResult, tieThreshold float64) bool {
	delta := cand.MedianScore - cur.MedianScore
	if delta > tieThreshold {
		return true
	}
	if delta < -tieThreshold {
		return false
	}
	// Within tie_threshold: prefer lower total tokens.
	candTotal := cand.TokenTotal.Total()
	curTotal := cur.TokenTotal.Total()
	if candTotal != curTotal {
		return candTotal < curTotal
	}
	return cand.Subtest < cur.Subtest
}
