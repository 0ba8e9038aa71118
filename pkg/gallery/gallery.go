// Package gallery holds the enrolled templates that live faces are matched against.
//
// A TemplateSet is built once at startup from labeled embeddings and is
// read-only afterwards, so it can be shared by concurrent sessions.
package gallery

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Identity is a normalized, case-insensitive label naming one enrolled person.
type Identity string

// Embedding is a fixed-length face descriptor.
type Embedding []float32

// Sample is one labeled embedding produced from one enrollment image.
type Sample struct {
	Label     string    `json:"label"`
	Embedding Embedding `json:"embedding"`
	Source    string    `json:"source,omitempty"`
}

// ErrEmptyGallery is returned when no usable identity could be loaded.
var ErrEmptyGallery = errors.New("gallery has no enrolled identities")

// ErrUnknownIdentity is returned by Lookup for identities never loaded.
var ErrUnknownIdentity = errors.New("unknown identity")

// ErrDimensionMismatch is returned when embeddings disagree on their length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrInvalidIdentity is returned when a label normalizes to an empty identity.
var ErrInvalidIdentity = errors.New("invalid identity")

// Unknown is the label reported for faces that match no enrolled identity.
// It can never be enrolled.
const Unknown Identity = "UNKNOWN"

var upper = cases.Upper(language.Und)

// NormalizeIdentity trims and upper-cases a label.
func NormalizeIdentity(label string) Identity {
	return Identity(upper.String(strings.TrimSpace(label)))
}

// TemplateSet maps identities to their enrolled embeddings. Identities keep the
// order in which they were first seen so iteration is reproducible.
type TemplateSet struct {
	order     []Identity
	templates map[Identity][]Embedding
	dim       int
}

// Load groups samples by normalized identity. Samples without a label or an
// embedding are skipped; they stand for images where extraction failed.
func Load(samples []Sample) (*TemplateSet, error) {
	log := logging.Component("gallery")
	set := &TemplateSet{templates: make(map[Identity][]Embedding)}

	for i, s := range samples {
		id := NormalizeIdentity(s.Label)
		if id == "" || len(s.Embedding) == 0 {
			log.WithField("source", s.Source).Debugf("Skipping sample %d without label or embedding", i)
			continue
		}
		if id == Unknown {
			return nil, fmt.Errorf("%w: label %q (%s) is reserved for unmatched faces", ErrInvalidIdentity, s.Label, s.Source)
		}
		if set.dim == 0 {
			set.dim = len(s.Embedding)
		} else if len(s.Embedding) != set.dim {
			return nil, fmt.Errorf("%w: sample %q (%s) has %d values, expected %d",
				ErrDimensionMismatch, id, s.Source, len(s.Embedding), set.dim)
		}

		if _, seen := set.templates[id]; !seen {
			set.order = append(set.order, id)
		}
		emb := make(Embedding, len(s.Embedding))
		copy(emb, s.Embedding)
		set.templates[id] = append(set.templates[id], emb)
	}

	if len(set.order) == 0 {
		return nil, ErrEmptyGallery
	}

	log.WithField("identities", len(set.order)).Infof("Loaded templates: %s", set.summary())
	return set, nil
}

// Lookup returns the templates enrolled for id.
func (s *TemplateSet) Lookup(id Identity) ([]Embedding, error) {
	templates, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return templates, nil
}

// Identities returns identities in load order.
func (s *TemplateSet) Identities() []Identity {
	out := make([]Identity, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of identities.
func (s *TemplateSet) Len() int {
	return len(s.order)
}

// Dimension returns the shared embedding length.
func (s *TemplateSet) Dimension() int {
	return s.dim
}

// Counts returns the number of templates per identity.
func (s *TemplateSet) Counts() map[Identity]int {
	counts := make(map[Identity]int, len(s.order))
	for _, id := range s.order {
		counts[id] = len(s.templates[id])
	}
	return counts
}

func (s *TemplateSet) summary() string {
	parts := make([]string, 0, len(s.order))
	for _, id := range s.order {
		parts = append(parts, fmt.Sprintf("%s=%d", id, len(s.templates[id])))
	}
	return strings.Join(parts, ", ")
}
