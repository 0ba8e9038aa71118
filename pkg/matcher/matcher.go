// Package matcher decides which enrolled identity, if any, a live embedding belongs to.
package matcher

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
)

// Unknown is the label returned when no identity is close enough.
const Unknown = gallery.Unknown

// DefaultThreshold is the acceptance cutoff for dlib 128-d descriptors.
const DefaultThreshold = 0.45

// ErrDimensionMismatch is returned when the query length differs from the gallery's.
var ErrDimensionMismatch = errors.New("query dimension does not match gallery")

// ErrInvalidQuery is returned when the query holds NaN or infinite values.
var ErrInvalidQuery = errors.New("query embedding is not finite")

// Result is the decision for one query embedding.
type Result struct {
	Identity gallery.Identity
	// Distance is the winning identity's mean template distance, also reported for rejections.
	Distance float64
}

// Accepted reports whether the result names an enrolled identity.
func (r Result) Accepted() bool {
	return r.Identity != Unknown
}

// Matcher applies a fixed threshold to every query.
type Matcher struct {
	Threshold float64
}

// New creates a Matcher with the given acceptance threshold.
func New(threshold float64) *Matcher {
	return &Matcher{Threshold: threshold}
}

// Match scores query against set using the matcher's threshold.
func (m *Matcher) Match(query gallery.Embedding, set *gallery.TemplateSet) (Result, error) {
	return Match(query, set, m.Threshold)
}

// Match scores query against every identity in set. An identity's score is the
// mean Euclidean distance to all of its templates and the lowest score wins.
// Identities are visited in load order and only a strictly lower score replaces
// the current best, so equal scores resolve to the identity loaded first.
// A winning score above threshold is reported as Unknown.
func Match(query gallery.Embedding, set *gallery.TemplateSet, threshold float64) (Result, error) {
	if len(query) != set.Dimension() {
		return Result{}, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), set.Dimension())
	}
	for i, v := range query {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Result{}, fmt.Errorf("%w: component %d is %v", ErrInvalidQuery, i, v)
		}
	}

	best := Result{Identity: Unknown, Distance: math.Inf(1)}
	for _, id := range set.Identities() {
		templates, err := set.Lookup(id)
		if err != nil {
			return Result{}, err
		}
		score := MeanDistance(query, templates)
		if score < best.Distance {
			best = Result{Identity: id, Distance: score}
		}
	}

	if best.Distance > threshold {
		best.Identity = Unknown
	}
	return best, nil
}

// MeanDistance returns the arithmetic mean of the distances from query to each template.
func MeanDistance(query gallery.Embedding, templates []gallery.Embedding) float64 {
	if len(templates) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, t := range templates {
		sum += EuclideanDistance(query, t)
	}
	return sum / float64(len(templates))
}

// EuclideanDistance calculates the L2 distance between two embeddings.
// Embeddings of different length are infinitely far apart.
func EuclideanDistance(a, b gallery.Embedding) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
