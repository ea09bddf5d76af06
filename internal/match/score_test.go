package match_test

import (
	"math"
	"testing"

	"taskmatch/internal/config"
	"taskmatch/internal/domain"
	"taskmatch/internal/match"
)

func defaultWeights() config.Weights {
	return config.Default().Weights
}

func mathTask(price float64) domain.Task {
	return domain.Task{ID: "t1", Subject: "Mathematics", Price: price}
}

func baseExpert(id string) domain.Expert {
	return domain.Expert{
		ID:                 id,
		DisplayName:        id,
		Subjects:           []string{"Mathematics"},
		MinPrice:           10,
		MaxPrice:           50,
		RatingAvg:          5.0,
		RatingCount:        20,
		AcceptRate:         1.0,
		MedianResponseMins: 5,
		CompletedBySubject: map[string]int{"Mathematics": 10},
	}
}

func TestScoreBounds(t *testing.T) {
	w := defaultWeights()
	best := baseExpert("best")
	res := match.Score(mathTask(25), best, w)
	if res.Total < 0 || res.Total > 1 {
		t.Fatalf("score out of bounds: %f", res.Total)
	}
	// All factors at full credit: total equals the weight-table sum, not 1.
	if math.Abs(res.Total-w.Sum()) > 1e-9 {
		t.Fatalf("perfect expert should score the weight sum %f, got %f", w.Sum(), res.Total)
	}

	worst := domain.Expert{ID: "worst", Subjects: []string{"History"}, MinPrice: 100, MaxPrice: 200, RatingAvg: 1.0, MedianResponseMins: 600}
	res = match.Score(mathTask(25), worst, w)
	// Level match is a fixed full-credit placeholder, so the floor is its
	// weight rather than zero.
	if math.Abs(res.Total-w.LevelMatch) > 1e-9 {
		t.Fatalf("worst expert should score only the level weight, got %f", res.Total)
	}
}

func TestSubjectMatchSignal(t *testing.T) {
	w := defaultWeights()
	x := baseExpert("x")
	if got := match.Score(mathTask(25), x, w).Signals.SubjectMatch; got != 1.0 {
		t.Fatalf("subject served: want 1.0, got %f", got)
	}
	x.Subjects = []string{"Physics", "Chemistry"}
	if got := match.Score(mathTask(25), x, w).Signals.SubjectMatch; got != 0.0 {
		t.Fatalf("subject not served: want 0.0, got %f", got)
	}
}

func TestPriceFitSignal(t *testing.T) {
	w := defaultWeights()
	x := baseExpert("x") // range 10-50, mid 30, 20% band = 8

	cases := []struct {
		price float64
		want  float64
	}{
		{25, 1.0},  // inside range
		{10, 1.0},  // boundary
		{50, 1.0},  // boundary
		{55, 0.0},  // above range and outside the mid band
		{5, 0.0},   // below range and outside the mid band
		{200, 0.0}, // far out
	}
	for _, c := range cases {
		got := match.Score(mathTask(c.price), x, w).Signals.PriceFit
		if got != c.want {
			t.Fatalf("price %f: want %f, got %f", c.price, c.want, got)
		}
	}

	// An undeclared range reads as neutral half credit, whether both
	// bounds are unset or just one.
	x.MinPrice, x.MaxPrice = 0, 0
	if got := match.Score(mathTask(25), x, w).Signals.PriceFit; got != 0.5 {
		t.Fatalf("no range: want 0.5, got %f", got)
	}
	x.MinPrice, x.MaxPrice = 0, 50
	if got := match.Score(mathTask(25), x, w).Signals.PriceFit; got != 0.5 {
		t.Fatalf("open lower bound: want 0.5, got %f", got)
	}
	x.MinPrice, x.MaxPrice = 10, 0
	if got := match.Score(mathTask(25), x, w).Signals.PriceFit; got != 0.5 {
		t.Fatalf("open upper bound: want 0.5, got %f", got)
	}
}

func TestRatingSignal(t *testing.T) {
	w := defaultWeights()
	x := baseExpert("x")

	x.RatingAvg = 3.5
	if got := match.Score(mathTask(25), x, w).Signals.Rating; got != 0.0 {
		t.Fatalf("rating 3.5: want 0.0, got %f", got)
	}
	x.RatingAvg = 5.0
	if got := match.Score(mathTask(25), x, w).Signals.Rating; got != 1.0 {
		t.Fatalf("rating 5.0: want 1.0, got %f", got)
	}
	x.RatingAvg = 4.25
	if got := match.Score(mathTask(25), x, w).Signals.Rating; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("rating 4.25: want 0.5, got %f", got)
	}
	// Below the floor clamps to zero rather than going negative.
	x.RatingAvg = 2.0
	if got := match.Score(mathTask(25), x, w).Signals.Rating; got != 0.0 {
		t.Fatalf("rating 2.0: want 0.0, got %f", got)
	}
}

func TestResponseSpeedSignal(t *testing.T) {
	w := defaultWeights()
	x := baseExpert("x")

	x.MedianResponseMins = 3
	if got := match.Score(mathTask(25), x, w).Signals.ResponseSpeed; got != 1.0 {
		t.Fatalf("3 mins: want 1.0, got %f", got)
	}
	x.MedianResponseMins = 120
	if got := match.Score(mathTask(25), x, w).Signals.ResponseSpeed; got != 0.0 {
		t.Fatalf("120 mins: want 0.0, got %f", got)
	}
	x.MedianResponseMins = 62.5
	if got := match.Score(mathTask(25), x, w).Signals.ResponseSpeed; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("62.5 mins: want 0.5, got %f", got)
	}
}

func TestHistoricalSuccessSignal(t *testing.T) {
	w := defaultWeights()
	x := baseExpert("x")

	x.CompletedBySubject = map[string]int{"Mathematics": 5}
	if got := match.Score(mathTask(25), x, w).Signals.HistoricalSuccess; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("5 completions: want 0.5, got %f", got)
	}
	// Saturates at ten completions in the subject.
	x.CompletedBySubject = map[string]int{"Mathematics": 40}
	if got := match.Score(mathTask(25), x, w).Signals.HistoricalSuccess; got != 1.0 {
		t.Fatalf("40 completions: want 1.0, got %f", got)
	}
	// Completions in other subjects do not count.
	x.CompletedBySubject = map[string]int{"History": 40}
	if got := match.Score(mathTask(25), x, w).Signals.HistoricalSuccess; got != 0.0 {
		t.Fatalf("other-subject completions: want 0.0, got %f", got)
	}
}

func TestEligibleFilters(t *testing.T) {
	cfg := config.Default().Eligibility
	task := mathTask(25)

	ok := baseExpert("ok")
	wrongSubject := baseExpert("wrong-subject")
	wrongSubject.Subjects = []string{"History"}
	lowRating := baseExpert("low-rating")
	lowRating.RatingAvg = 2.5
	fewRatings := baseExpert("few-ratings")
	fewRatings.RatingCount = 1

	got := match.Eligible(task, []domain.Expert{ok, wrongSubject, lowRating, fewRatings}, cfg)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("want only 'ok' eligible, got %v", got)
	}
}

func TestRankScenario(t *testing.T) {
	cfg := config.Default()
	task := mathTask(25)

	variant := func(id string, tweak func(*domain.Expert)) domain.Expert {
		x := baseExpert(id)
		tweak(&x)
		return x
	}
	experts := []domain.Expert{
		variant("e1", func(x *domain.Expert) {}), // perfect fit
		variant("e2", func(x *domain.Expert) { x.RatingAvg = 4.0 }),
		variant("e3", func(x *domain.Expert) { x.MedianResponseMins = 60 }),
		variant("e4", func(x *domain.Expert) { x.CompletedBySubject = nil }),
		variant("e5", func(x *domain.Expert) { x.MinPrice, x.MaxPrice = 100, 200 }),
		variant("e6", func(x *domain.Expert) { x.AcceptRate = 0.3 }),
		variant("e7", func(x *domain.Expert) { x.Subjects = []string{"History"} }), // ineligible
		variant("e8", func(x *domain.Expert) { x.RatingAvg = 2.0 }),                // ineligible
	}

	eligible := match.Eligible(task, experts, cfg.Eligibility)
	if len(eligible) != 6 {
		t.Fatalf("want 6 eligible, got %d", len(eligible))
	}
	ranked := match.Rank(task, eligible, cfg.Weights)
	if len(ranked) != 6 {
		t.Fatalf("want 6 ranked, got %d", len(ranked))
	}
	if ranked[0].Expert.ID != "e1" {
		t.Fatalf("want e1 first, got %s", ranked[0].Expert.ID)
	}
	// Each profile differs from the next on a distinct factor, so the
	// score list is strictly descending.
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score >= ranked[i-1].Score {
			t.Fatalf("ranking not strictly descending at %d: %f >= %f", i, ranked[i].Score, ranked[i-1].Score)
		}
	}
}

func TestRankDeterministicTieBreak(t *testing.T) {
	cfg := config.Default()
	task := mathTask(25)
	a := baseExpert("aaa")
	b := baseExpert("bbb")
	c := baseExpert("ccc")

	// Identical profiles score identically; order falls back to id.
	ranked := match.Rank(task, []domain.Expert{c, a, b}, cfg.Weights)
	want := []string{"aaa", "bbb", "ccc"}
	for i, id := range want {
		if ranked[i].Expert.ID != id {
			t.Fatalf("tie-break order: want %v, got %s at %d", want, ranked[i].Expert.ID, i)
		}
	}
}
