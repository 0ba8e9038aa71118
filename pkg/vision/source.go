// Package vision turns camera frames into face detections for a session.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/session"
)

// FrameReader yields camera frames. *camera.V4L2Camera satisfies it once streaming.
type FrameReader interface {
	ReadFrame() (*camera.Frame, error)
}

// Detector finds faces in a JPEG image. *recognition.DlibRecognizer satisfies it.
type Detector interface {
	DetectFaces(imageData []byte) ([]recognition.Face, error)
}

// Options tune a Source.
type Options struct {
	// Scale is applied to each frame before detection, in (0, 1].
	Scale float64
	// MaxFailedReads is the number of consecutive bad frames after which the
	// source gives up with session.ErrCaptureUnavailable.
	MaxFailedReads int
	// RetryDelay is the pause after a bad frame.
	RetryDelay time.Duration
	// JPEGQuality for re-encoding downscaled frames.
	JPEGQuality int
}

// DefaultOptions match the recognition defaults.
func DefaultOptions() Options {
	return Options{
		Scale:          0.25,
		MaxFailedReads: 30,
		RetryDelay:     100 * time.Millisecond,
		JPEGQuality:    90,
	}
}

// Source implements session.FrameSource on top of a camera and a detector.
type Source struct {
	frames   FrameReader
	detector Detector
	opts     Options
	failed   int
}

// NewSource creates a frame source. Zero option fields fall back to defaults.
func NewSource(frames FrameReader, detector Detector, opts Options) *Source {
	def := DefaultOptions()
	if opts.Scale <= 0 || opts.Scale > 1 {
		opts.Scale = def.Scale
	}
	if opts.MaxFailedReads <= 0 {
		opts.MaxFailedReads = def.MaxFailedReads
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = def.JPEGQuality
	}
	return &Source{frames: frames, detector: detector, opts: opts}
}

// NextBatch reads frames until one can be analysed and returns its faces in
// full-resolution coordinates. Unreadable frames are retried; once
// MaxFailedReads happen in a row the error wraps session.ErrCaptureUnavailable.
func (s *Source) NextBatch(ctx context.Context) ([]session.Detection, error) {
	log := logging.Component("vision")

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := s.analyse()
		if err == nil {
			s.failed = 0
			return batch, nil
		}

		s.failed++
		log.WithError(err).WithField("consecutive", s.failed).Debug("Frame unusable")
		if s.failed >= s.opts.MaxFailedReads {
			return nil, fmt.Errorf("%w: %d consecutive failed reads, last: %v",
				session.ErrCaptureUnavailable, s.failed, err)
		}

		if s.opts.RetryDelay > 0 {
			timer := time.NewTimer(s.opts.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (s *Source) analyse() ([]session.Detection, error) {
	frame, err := s.frames.ReadFrame()
	if err != nil {
		return nil, err
	}

	data := frame.Data
	if s.opts.Scale < 1 {
		data, err = downscale(frame.Data, s.opts.Scale, s.opts.JPEGQuality)
		if err != nil {
			return nil, err
		}
	}

	faces, err := s.detector.DetectFaces(data)
	if err != nil {
		return nil, err
	}

	batch := make([]session.Detection, 0, len(faces))
	for _, f := range faces {
		batch = append(batch, session.Detection{
			Region:    scaleRect(f.Region, s.opts.Scale),
			Embedding: f.Embedding,
		})
	}
	return batch, nil
}

func downscale(data []byte, scale float64, quality int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	b := src.Bounds()
	w := int(math.Round(float64(b.Dx()) * scale))
	h := int(math.Round(float64(b.Dy()) * scale))
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("frame %dx%d too small to scale by %v", b.Dx(), b.Dy(), scale)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// scaleRect maps a rectangle found on the downscaled frame back onto the original.
func scaleRect(r image.Rectangle, scale float64) image.Rectangle {
	if scale == 1 {
		return r
	}
	up := func(v int) int { return int(math.Round(float64(v) / scale)) }
	return image.Rect(up(r.Min.X), up(r.Min.Y), up(r.Max.X), up(r.Max.Y))
}
