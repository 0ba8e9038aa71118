package matcher

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
)

const epsilon = 1e-6

func mustLoad(t *testing.T, samples ...gallery.Sample) *gallery.TemplateSet {
	t.Helper()
	set, err := gallery.Load(samples)
	if err != nil {
		t.Fatalf("gallery.Load failed: %v", err)
	}
	return set
}

func aliceAndBob(t *testing.T, alice1, alice2, bob gallery.Embedding) *gallery.TemplateSet {
	return mustLoad(t,
		gallery.Sample{Label: "ALICE", Embedding: alice1},
		gallery.Sample{Label: "ALICE", Embedding: alice2},
		gallery.Sample{Label: "BOB", Embedding: bob},
	)
}

func TestEuclideanDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     gallery.Embedding
		expected float64
	}{
		{"identical", gallery.Embedding{1, 2, 3}, gallery.Embedding{1, 2, 3}, 0},
		{"3-4-5", gallery.Embedding{0, 0}, gallery.Embedding{3, 4}, 5},
		{"sqrt 50", gallery.Embedding{1, 2, 3}, gallery.Embedding{4, 6, 8}, 7.0710678},
		{"length mismatch", gallery.Embedding{1}, gallery.Embedding{1, 2}, math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dist := EuclideanDistance(tt.a, tt.b)
			if math.IsInf(tt.expected, 1) {
				if !math.IsInf(dist, 1) {
					t.Errorf("expected +Inf, got %f", dist)
				}
				return
			}
			if math.Abs(dist-tt.expected) > 0.0001 {
				t.Errorf("expected %f, got %f", tt.expected, dist)
			}
		})
	}
}

func TestMeanDistance(t *testing.T) {
	query := gallery.Embedding{0, 0}
	templates := []gallery.Embedding{{1, 0}, {0, 3}}
	if got := MeanDistance(query, templates); math.Abs(got-2) > epsilon {
		t.Errorf("expected mean 2, got %f", got)
	}
	if got := MeanDistance(query, nil); !math.IsInf(got, 1) {
		t.Errorf("expected +Inf for no templates, got %f", got)
	}
}

func TestMatch_AcceptsBestMeanUnderThreshold(t *testing.T) {
	// ALICE templates at 0.1 and 0.5 (mean 0.3), BOB at 0.6.
	set := aliceAndBob(t,
		gallery.Embedding{0.1, 0},
		gallery.Embedding{0.5, 0},
		gallery.Embedding{0.6, 0},
	)

	res, err := Match(gallery.Embedding{0, 0}, set, 0.45)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Identity != "ALICE" {
		t.Errorf("expected ALICE, got %s", res.Identity)
	}
	if math.Abs(res.Distance-0.3) > epsilon {
		t.Errorf("expected distance 0.3, got %f", res.Distance)
	}
	if !res.Accepted() {
		t.Error("expected result to be accepted")
	}
}

func TestMatch_RejectsBestMeanOverThreshold(t *testing.T) {
	// ALICE mean 0.6, BOB 0.9: ALICE wins but stays over the threshold.
	set := aliceAndBob(t,
		gallery.Embedding{0.6, 0},
		gallery.Embedding{0, 0.6},
		gallery.Embedding{0.9, 0},
	)

	res, err := Match(gallery.Embedding{0, 0}, set, 0.45)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Identity != Unknown {
		t.Errorf("expected UNKNOWN, got %s", res.Identity)
	}
	if math.Abs(res.Distance-0.6) > epsilon {
		t.Errorf("expected reported distance 0.6, got %f", res.Distance)
	}
	if res.Accepted() {
		t.Error("UNKNOWN must not be accepted")
	}
}

func TestMatch_MeanNotMinimum(t *testing.T) {
	// ALICE has one perfect and one bad template (mean 0.5); BOB is uniformly 0.4 away.
	set := aliceAndBob(t,
		gallery.Embedding{0, 0},
		gallery.Embedding{1, 0},
		gallery.Embedding{0.4, 0},
	)

	res, err := Match(gallery.Embedding{0, 0}, set, 0.45)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Identity != "BOB" {
		t.Errorf("expected BOB by mean distance, got %s", res.Identity)
	}
}

func TestMatch_ThresholdIsInclusive(t *testing.T) {
	set := mustLoad(t, gallery.Sample{Label: "ALICE", Embedding: gallery.Embedding{0.5, 0}})

	res, err := Match(gallery.Embedding{0, 0}, set, 0.5)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Identity != "ALICE" {
		t.Errorf("distance equal to threshold should be accepted, got %s", res.Identity)
	}
}

func TestMatch_ExactTemplate(t *testing.T) {
	query := gallery.Embedding{0.2, -0.4, 0.7}
	set := mustLoad(t,
		gallery.Sample{Label: "BOB", Embedding: gallery.Embedding{1, 1, 1}},
		gallery.Sample{Label: "ALICE", Embedding: query},
	)

	res, err := Match(query, set, 0.45)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Identity != "ALICE" || res.Distance != 0 {
		t.Errorf("expected (ALICE, 0), got (%s, %f)", res.Identity, res.Distance)
	}
}

func TestMatch_SingleIdentitySingleTemplate(t *testing.T) {
	set := mustLoad(t, gallery.Sample{Label: "solo", Embedding: gallery.Embedding{3, 4}})

	res, err := Match(gallery.Embedding{0, 0}, set, 10)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Identity != "SOLO" || math.Abs(res.Distance-5) > epsilon {
		t.Errorf("expected (SOLO, 5), got (%s, %f)", res.Identity, res.Distance)
	}
}

func TestMatch_TieIsDeterministic(t *testing.T) {
	set := mustLoad(t,
		gallery.Sample{Label: "LEFT", Embedding: gallery.Embedding{-1, 0}},
		gallery.Sample{Label: "RIGHT", Embedding: gallery.Embedding{1, 0}},
	)

	first, err := Match(gallery.Embedding{0, 0}, set, 2)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		res, err := Match(gallery.Embedding{0, 0}, set, 2)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if res != first {
			t.Fatalf("tie resolved differently on run %d: %+v vs %+v", i, res, first)
		}
	}
}

func TestMatch_DimensionMismatch(t *testing.T) {
	set := mustLoad(t, gallery.Sample{Label: "ALICE", Embedding: gallery.Embedding{1, 2, 3}})

	_, err := Match(gallery.Embedding{1, 2}, set, 0.45)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestMatch_NonFiniteQuery(t *testing.T) {
	set := mustLoad(t, gallery.Sample{Label: "ALICE", Embedding: gallery.Embedding{0, 0}})
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name  string
		query gallery.Embedding
	}{
		{"nan", gallery.Embedding{nan, 0}},
		{"positive inf", gallery.Embedding{0, inf}},
		{"negative inf", gallery.Embedding{-inf, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Match(tt.query, set, 0.45)
			if !errors.Is(err, ErrInvalidQuery) {
				t.Fatalf("expected ErrInvalidQuery, got %v (result %+v)", err, res)
			}
		})
	}
}

func TestMatch_EnrolledCanBeAccepted(t *testing.T) {
	set := mustLoad(t, gallery.Sample{Label: "alice", Embedding: gallery.Embedding{0, 0}})

	res, err := Match(gallery.Embedding{0, 0}, set, 0.45)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if !res.Accepted() || res.Identity == Unknown {
		t.Errorf("exact match should be accepted, got %+v", res)
	}
}

func randomEmbedding(r *rand.Rand, dim int) gallery.Embedding {
	e := make(gallery.Embedding, dim)
	for i := range e {
		e[i] = float32(r.NormFloat64() * 0.2)
	}
	return e
}

func randomSet(t *testing.T, r *rand.Rand, dim int) *gallery.TemplateSet {
	t.Helper()
	var samples []gallery.Sample
	for _, label := range []string{"ALICE", "BOB", "CAROL", "DAVE"} {
		for n := 0; n < 1+r.Intn(3); n++ {
			samples = append(samples, gallery.Sample{Label: label, Embedding: randomEmbedding(r, dim)})
		}
	}
	return mustLoad(t, samples...)
}

func TestMatch_ResultProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	const dim = 128

	for i := 0; i < 200; i++ {
		set := randomSet(t, r, dim)
		query := randomEmbedding(r, dim)
		threshold := r.Float64() * 3

		res, err := Match(query, set, threshold)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if res.Distance < 0 || math.IsNaN(res.Distance) {
			t.Fatalf("distance must be non-negative, got %f", res.Distance)
		}
		if res.Identity != Unknown {
			if _, err := set.Lookup(res.Identity); err != nil {
				t.Fatalf("result identity %s not in gallery", res.Identity)
			}
		}
	}
}

func TestMatch_MonotonicThreshold(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	const dim = 16

	for i := 0; i < 200; i++ {
		set := randomSet(t, r, dim)
		query := randomEmbedding(r, dim)
		low := r.Float64()
		high := low + r.Float64()

		atLow, err := Match(query, set, low)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		atHigh, err := Match(query, set, high)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if atLow.Accepted() && atHigh.Identity != atLow.Identity {
			t.Fatalf("raising threshold %f -> %f changed %s into %s", low, high, atLow.Identity, atHigh.Identity)
		}
	}
}

func TestMatcher_UsesConfiguredThreshold(t *testing.T) {
	set := mustLoad(t, gallery.Sample{Label: "ALICE", Embedding: gallery.Embedding{0.5, 0}})

	strict := New(0.4)
	res, err := strict.Match(gallery.Embedding{0, 0}, set)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Accepted() {
		t.Errorf("strict matcher should reject, got %s", res.Identity)
	}

	loose := New(0.6)
	res, err = loose.Match(gallery.Embedding{0, 0}, set)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Identity != "ALICE" {
		t.Errorf("loose matcher should accept ALICE, got %s", res.Identity)
	}
}

func BenchmarkMatch(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	var samples []gallery.Sample
	for i := 0; i < 50; i++ {
		for n := 0; n < 5; n++ {
			samples = append(samples, gallery.Sample{Label: string(rune('A'+i%26)) + string(rune('a'+i/26)), Embedding: randomEmbedding(r, 128)})
		}
	}
	set, err := gallery.Load(samples)
	if err != nil {
		b.Fatal(err)
	}
	query := randomEmbedding(r, 128)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Match(query, set, DefaultThreshold)
	}
}
