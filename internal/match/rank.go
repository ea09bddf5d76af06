package match

import (
	"sort"

	"taskmatch/internal/config"
	"taskmatch/internal/domain"
)

// Candidate pairs an expert with their score for one task.
type Candidate struct {
	Expert domain.Expert
	Score  float64
}

// Eligible filters experts to those meeting the minimum bar for a task:
// the expert serves the task's subject and clears the rating thresholds.
func Eligible(task domain.Task, experts []domain.Expert, e config.Eligibility) []domain.Expert {
	var out []domain.Expert
	for _, x := range experts {
		if subjectMatch(task, x) == 0 {
			continue
		}
		if x.RatingAvg < e.MinRatingAvg {
			continue
		}
		if x.RatingCount < e.MinRatingCount {
			continue
		}
		out = append(out, x)
	}
	return out
}

// Rank orders eligible experts by descending score. Ties break by expert id
// ascending so the ordering is deterministic regardless of input order.
func Rank(task domain.Task, experts []domain.Expert, w config.Weights) []Candidate {
	candidates := make([]Candidate, 0, len(experts))
	for _, x := range experts {
		candidates = append(candidates, Candidate{Expert: x, Score: Score(task, x, w).Total})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Expert.ID < candidates[j].Expert.ID
	})
	return candidates
}
