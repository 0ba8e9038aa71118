// Package enrollment builds gallery samples from a directory of labeled photos.
//
// Each file is named <label>_<anything>.<ext>; the label is the text before the
// first underscore, upper-cased. One embedding is taken from the first face in
// each image.
package enrollment

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Extractor returns the descriptor of the first face in a JPEG image.
// *recognition.DlibRecognizer satisfies it.
type Extractor interface {
	ExtractEmbedding(imageData []byte) (gallery.Embedding, error)
}

// Options control a scan.
type Options struct {
	// Progress receives a progress bar when non-nil.
	Progress io.Writer
}

// Skip records an image that produced no sample.
type Skip struct {
	File   string
	Reason string
}

// Result is the outcome of a scan.
type Result struct {
	Samples []gallery.Sample
	Skipped []Skip
}

// LabelFromFilename derives the identity label from an enrollment file name.
func LabelFromFilename(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	label, _, _ := strings.Cut(base, "_")
	return string(gallery.NormalizeIdentity(label))
}

// Scan extracts one sample per usable image in dir. Hidden files, unreadable
// images and images without a face are skipped and reported in Result.Skipped.
func Scan(dir string, ex Extractor, opts Options) (*Result, error) {
	log := logging.Component("enrollment")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read enrollment dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, e.Name())
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("Enrolling faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	res := &Result{}
	skip := func(name, reason string) {
		res.Skipped = append(res.Skipped, Skip{File: name, Reason: reason})
		log.WithField("file", name).Warnf("Skipping image: %s", reason)
	}

	for _, name := range files {
		if bar != nil {
			_ = bar.Add(1)
		}

		label := LabelFromFilename(name)
		if label == "" {
			skip(name, "no label in file name")
			continue
		}
		if gallery.Identity(label) == gallery.Unknown {
			skip(name, "label "+label+" is reserved")
			continue
		}

		data, err := loadJPEG(filepath.Join(dir, name))
		if err != nil {
			skip(name, err.Error())
			continue
		}

		emb, err := ex.ExtractEmbedding(data)
		if err != nil {
			skip(name, err.Error())
			continue
		}

		res.Samples = append(res.Samples, gallery.Sample{Label: label, Embedding: emb, Source: name})
	}
	if bar != nil {
		_ = bar.Finish()
	}

	log.WithFields(logging.Fields{
		"images":  len(files),
		"samples": len(res.Samples),
		"skipped": len(res.Skipped),
	}).Info("Enrollment scan complete")
	return res, nil
}

var errUnreadable = errors.New("unreadable image")

// loadJPEG returns the file as JPEG bytes, re-encoding other decodable formats.
func loadJPEG(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if format == "jpeg" {
		return data, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	return buf.Bytes(), nil
}
