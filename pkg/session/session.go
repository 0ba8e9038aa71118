// Package session drives the per-frame attendance loop for one session.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/matcher"
)

// ErrCaptureUnavailable is returned by a FrameSource that can no longer produce frames.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Detection is one face found in a frame.
type Detection struct {
	Region    image.Rectangle
	Embedding gallery.Embedding
}

// FrameSource yields one batch of detections per frame. An empty batch is a
// frame without faces. Implementations should return promptly when ctx is done.
type FrameSource interface {
	NextBatch(ctx context.Context) ([]Detection, error)
}

// Sink receives one annotation per detected face.
type Sink interface {
	Annotate(a Annotation)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Annotation)

// Annotate calls f(a).
func (f SinkFunc) Annotate(a Annotation) { f(a) }

// Recorder observes orchestrator activity. pkg/metrics provides the Prometheus implementation.
type Recorder interface {
	ObserveFrame(faces int)
	ObserveMatch(accepted bool, distance float64)
	ObserveAppend(outcome ledger.Outcome, err error)
	ObserveSkipped()
}

var (
	acceptedColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	rejectedColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// Annotation describes how to label one face.
type Annotation struct {
	SessionID int64
	Frame     uint64
	Region    image.Rectangle
	Identity  gallery.Identity
	Distance  float64
	Accepted  bool
	Label     string
}

// Color is green for accepted faces and red otherwise.
func (a Annotation) Color() color.RGBA {
	if a.Accepted {
		return acceptedColor
	}
	return rejectedColor
}

// Label formats the text drawn next to a face.
func Label(id gallery.Identity, distance float64) string {
	return fmt.Sprintf("%s (%.2f)", id, distance)
}

// FatalError stops a session. It names the session and gallery so the operator can tell
// which run failed and against which enrollment.
type FatalError struct {
	Session int64
	Gallery string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session %d (gallery %s): %v", e.Session, e.Gallery, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Config holds per-run settings.
type Config struct {
	SessionID int64
	// Gallery names the template source, used in logs and fatal errors.
	Gallery   string
	Threshold float64
}

// Stats counts what a run has done so far.
type Stats struct {
	Frames         uint64
	Faces          uint64
	Accepted       uint64
	Inserted       uint64
	AlreadyPresent uint64
	StorageErrors  uint64
	Skipped        uint64
}

// Orchestrator processes frames sequentially: match every face, record accepted
// identities, annotate.
type Orchestrator struct {
	cfg      Config
	set      *gallery.TemplateSet
	matcher  *matcher.Matcher
	source   FrameSource
	ledger   ledger.Ledger
	sink     Sink
	recorder Recorder
	onError  func(error)
	now      func() time.Time
	runID    string
	log      *logrus.Entry
	stats    Stats
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithErrorHandler receives every non-fatal error, such as failed ledger appends.
func WithErrorHandler(fn func(error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}

// WithClock sets the clock used to timestamp appends.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// New creates an orchestrator for a loaded gallery.
func New(cfg Config, set *gallery.TemplateSet, source FrameSource, l ledger.Ledger, sink Sink, opts ...Option) (*Orchestrator, error) {
	if set == nil || set.Len() == 0 {
		return nil, gallery.ErrEmptyGallery
	}
	if source == nil {
		return nil, errors.New("frame source is required")
	}
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("invalid threshold %v", cfg.Threshold)
	}
	if sink == nil {
		sink = LogSink{}
	}

	o := &Orchestrator{
		cfg:     cfg,
		set:     set,
		matcher: matcher.New(cfg.Threshold),
		source:  source,
		ledger:  l,
		sink:    sink,
		onError: func(error) {},
		now:     time.Now,
		runID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = logging.Session(cfg.SessionID, o.runID)
	return o, nil
}

// RunID identifies this run in logs.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Stats returns the counters accumulated so far. Not safe to call concurrently with Run.
func (o *Orchestrator) Stats() Stats {
	return o.stats
}

// Run processes frames until ctx is cancelled or the source fails. Cancellation is
// honoured between frames, so a batch that has been received is always finished.
// A cancelled run returns nil; anything else is a *FatalError.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.WithFields(logging.Fields{
		"gallery":    o.cfg.Gallery,
		"identities": o.set.Len(),
		"threshold":  o.cfg.Threshold,
	}).Info("Session started")

	for {
		if ctx.Err() != nil {
			o.stopped()
			return nil
		}

		batch, err := o.source.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				o.stopped()
				return nil
			}
			fatal := &FatalError{Session: o.cfg.SessionID, Gallery: o.cfg.Gallery, Err: err}
			o.log.WithError(err).Error("Session aborted")
			return fatal
		}

		o.ProcessBatch(ctx, batch)
	}
}

func (o *Orchestrator) stopped() {
	o.log.WithFields(logging.Fields{
		"frames":   o.stats.Frames,
		"faces":    o.stats.Faces,
		"inserted": o.stats.Inserted,
	}).Info("Session stopped")
}

// ProcessBatch handles one frame. Each face is matched, recorded when accepted and
// annotated before the next face is considered. Faces that cannot be processed are
// skipped without affecting the rest of the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch []Detection) {
	o.stats.Frames++
	frame := o.stats.Frames
	if o.recorder != nil {
		o.recorder.ObserveFrame(len(batch))
	}

	// Appends already started must finish even if the run is being stopped.
	appendCtx := context.WithoutCancel(ctx)

	for i, det := range batch {
		o.stats.Faces++

		result, err := o.matcher.Match(det.Embedding, o.set)
		if err != nil {
			o.stats.Skipped++
			if o.recorder != nil {
				o.recorder.ObserveSkipped()
			}
			o.log.WithError(err).WithField("face", i).Warn("Skipping face")
			o.onError(err)
			continue
		}

		accepted := result.Accepted()
		if o.recorder != nil {
			o.recorder.ObserveMatch(accepted, result.Distance)
		}
		if accepted {
			o.stats.Accepted++
			o.record(appendCtx, result.Identity)
		}

		o.sink.Annotate(Annotation{
			SessionID: o.cfg.SessionID,
			Frame:     frame,
			Region:    det.Region,
			Identity:  result.Identity,
			Distance:  result.Distance,
			Accepted:  accepted,
			Label:     Label(result.Identity, result.Distance),
		})
	}
}

func (o *Orchestrator) record(ctx context.Context, id gallery.Identity) {
	outcome, err := o.ledger.AppendIfAbsent(ctx, o.cfg.SessionID, id, o.now())
	if o.recorder != nil {
		o.recorder.ObserveAppend(outcome, err)
	}
	if err != nil {
		o.stats.StorageErrors++
		o.log.WithError(err).WithField("name", id).Error("Failed to record attendance")
		o.onError(err)
		return
	}

	switch outcome {
	case ledger.Inserted:
		o.stats.Inserted++
		o.log.WithField("name", id).Info("Marked present")
	case ledger.AlreadyPresent:
		o.stats.AlreadyPresent++
	}
}

// LogSink writes annotations to the log at debug level. It is used when no renderer is attached.
type LogSink struct{}

// Annotate logs a.
func (LogSink) Annotate(a Annotation) {
	logging.Component("annotate").WithFields(logging.Fields{
		"session_id": a.SessionID,
		"frame":      a.Frame,
		"region":     a.Region.String(),
		"accepted":   a.Accepted,
	}).Debug(a.Label)
}
