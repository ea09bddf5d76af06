// Package match implements the expert scoring and ranking algorithm. All
// functions are pure: they read task and expert attributes and never touch
// the store or the clock beyond the reference time passed in.
package match

import (
	"math"

	"taskmatch/internal/config"
	"taskmatch/internal/domain"
)

// Signals are the per-factor contributions on a 0-1 scale, before weights.
type Signals struct {
	SubjectMatch      float64
	PriceFit          float64
	Rating            float64
	AcceptRate        float64
	ResponseSpeed     float64
	LevelMatch        float64
	HistoricalSuccess float64
}

// Result is one scored (task, expert) pairing.
type Result struct {
	Total   float64
	Signals Signals
}

// Score computes the fit score for an (task, expert) pair as a weighted sum
// of independently bounded factors. The configured weights sum to 0.85, and
// the total deliberately keeps that ceiling rather than being renormalized;
// the final clamp to [0,1] guards against misconfigured weight tables.
func Score(task domain.Task, expert domain.Expert, w config.Weights) Result {
	s := Signals{
		SubjectMatch:      subjectMatch(task, expert),
		PriceFit:          priceFit(task, expert),
		Rating:            ratingScore(expert),
		AcceptRate:        clamp01(expert.AcceptRate),
		ResponseSpeed:     responseSpeed(expert),
		LevelMatch:        levelMatch(task, expert),
		HistoricalSuccess: historicalSuccess(task, expert),
	}
	total := s.SubjectMatch*w.SubjectMatch +
		s.PriceFit*w.PriceFit +
		s.Rating*w.Rating +
		s.AcceptRate*w.AcceptRate +
		s.ResponseSpeed*w.ResponseSpeed +
		s.LevelMatch*w.LevelMatch +
		s.HistoricalSuccess*w.HistoricalSuccess
	return Result{Total: clamp01(total), Signals: s}
}

func subjectMatch(task domain.Task, expert domain.Expert) float64 {
	for _, s := range expert.Subjects {
		if s == task.Subject {
			return 1.0
		}
	}
	return 0.0
}

// priceFit gives full credit when the task price sits inside the expert's
// accepted range, half credit when it lies within 20% of the range around
// the midpoint, and nothing otherwise. A range with either bound unset is
// treated as undeclared and reads as neutral half credit.
func priceFit(task domain.Task, expert domain.Expert) float64 {
	if expert.MinPrice <= 0 || expert.MaxPrice <= 0 {
		return 0.5
	}
	if task.Price >= expert.MinPrice && task.Price <= expert.MaxPrice {
		return 1.0
	}
	rng := expert.MaxPrice - expert.MinPrice
	mid := expert.MinPrice + rng/2
	if math.Abs(task.Price-mid) <= rng*0.2 {
		return 0.5
	}
	return 0.0
}

// ratingScore maps the rating average linearly from 3.5 -> 0 to 5.0 -> 1.
func ratingScore(expert domain.Expert) float64 {
	return clamp01(mapLinear(expert.RatingAvg, 3.5, 5.0, 0, 1))
}

// responseSpeed gives full credit at a median response of 5 minutes or
// less, decaying linearly to zero at 120 minutes.
func responseSpeed(expert domain.Expert) float64 {
	mins := expert.MedianResponseMins
	if mins <= 5 {
		return 1.0
	}
	if mins >= 120 {
		return 0.0
	}
	return mapLinear(mins, 5, 120, 1.0, 0.0)
}

// levelMatch is a fixed placeholder contribution.
// TODO: compare task level requirements against expert.Level once tasks
// carry a level field; until then every pair gets full credit.
func levelMatch(domain.Task, domain.Expert) float64 {
	return 1.0
}

func historicalSuccess(task domain.Task, expert domain.Expert) float64 {
	completed := expert.CompletedBySubject[task.Subject]
	return math.Min(1, float64(completed)/10)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func mapLinear(v, inMin, inMax, outMin, outMax float64) float64 {
	return outMin + (v-inMin)/(inMax-inMin)*(outMax-outMin)
}
