// Package recognition detects faces and extracts their descriptors.
// It uses dlib through go-face; the 128-d descriptors it returns are what the
// gallery stores and the matcher compares.
package recognition

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Face is one detected face in an image.
type Face struct {
	Region    image.Rectangle
	Landmarks []image.Point
	Embedding gallery.Embedding
}

// ErrNoFaceDetected is returned when an enrollment image contains no face.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// FaceEngine is the subset of *face.Recognizer used here.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	RecognizeCNN(data []byte) ([]face.Face, error)
	Close()
}

func newDlibEngine(modelPath string) (FaceEngine, error) {
	return face.NewRecognizer(modelPath)
}

// DlibRecognizer detects faces with dlib via go-face.
type DlibRecognizer struct {
	engine    FaceEngine
	factory   func(modelPath string) (FaceEngine, error)
	modelPath string
	useCNN    bool
	loaded    bool
	mu        sync.Mutex
}

// NewRecognizer creates a new DlibRecognizer instance.
func NewRecognizer() *DlibRecognizer {
	return &DlibRecognizer{factory: newDlibEngine}
}

// SetCNN switches detection to dlib's CNN face detector (mmod_human_face_detector.dat),
// which is slower but finds faces at steeper angles.
func (r *DlibRecognizer) SetCNN(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useCNN = enabled
}

// LoadModels loads the dlib models from modelPath. The directory must contain
// shape_predictor_5_face_landmarks.dat and dlib_face_recognition_resnet_model_v1.dat,
// plus mmod_human_face_detector.dat when CNN detection is enabled.
func (r *DlibRecognizer) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	log := logging.Component("recognition")
	log.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true

	log.Info("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *DlibRecognizer) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *DlibRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// DetectFaces returns every face in a JPEG image. An image without faces yields
// an empty slice and no error. dlib is not safe for concurrent use, so calls
// are serialized.
func (r *DlibRecognizer) DetectFaces(imageData []byte) ([]Face, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	var (
		faces []face.Face
		err   error
	)
	if r.useCNN {
		faces, err = r.engine.RecognizeCNN(imageData)
	} else {
		faces, err = r.engine.Recognize(imageData)
	}
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	result := make([]Face, 0, len(faces))
	for _, f := range faces {
		emb := make(gallery.Embedding, len(f.Descriptor))
		copy(emb, f.Descriptor[:])
		result = append(result, Face{
			Region:    f.Rectangle,
			Landmarks: f.Shapes,
			Embedding: emb,
		})
	}

	logging.Component("recognition").Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

// ExtractEmbedding returns the descriptor of the first face in an enrollment
// image, or ErrNoFaceDetected.
func (r *DlibRecognizer) ExtractEmbedding(imageData []byte) (gallery.Embedding, error) {
	faces, err := r.DetectFaces(imageData)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}
	return faces[0].Embedding, nil
}
