// Package camera captures frames from V4L2 devices by driving ffmpeg.
//
// Single frames are captured with one ffmpeg invocation each. For the
// attendance loop a long-running ffmpeg process streams MJPEG to a pipe and
// ReadFrame splits it into JPEG frames.
package camera

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

var (
	execCommand = exec.Command
	statDevice  = os.Stat
)

// Frame represents a single camera frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "JPEG"
	Timestamp time.Time
}

// ToImage decodes the JPEG payload.
func (f *Frame) ToImage() (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// DeviceInfo contains information about a camera device.
type DeviceInfo struct {
	Path   string
	Name   string
	Driver string
}

// ErrCameraNotFound is returned when the camera device is not found.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraNotOpen is returned when trying to capture from a closed camera.
var ErrCameraNotOpen = errors.New("camera not open")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")

// ErrNotStreaming is returned by ReadFrame before StartStreaming.
var ErrNotStreaming = errors.New("camera is not streaming")

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// V4L2Camera captures from a /dev/video* device.
type V4L2Camera struct {
	device     string
	width      int
	height     int
	fps        int
	isOpen     bool
	deviceInfo DeviceInfo

	stream    *exec.Cmd
	streamOut io.ReadCloser
	reader    *bufio.Reader

	mu sync.Mutex
}

// NewCamera creates a camera with a 640x480, 30 fps default mode.
func NewCamera() *V4L2Camera {
	return &V4L2Camera{
		width:  640,
		height: 480,
		fps:    30,
	}
}

// SetResolution sets the capture resolution.
func (c *V4L2Camera) SetResolution(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", width, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width = width
	c.height = height
	return nil
}

// SetFPS sets the streaming frame rate.
func (c *V4L2Camera) SetFPS(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("invalid fps %d", fps)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fps = fps
	return nil
}

// Open selects device for capture.
func (c *V4L2Camera) Open(device string) error {
	if device == "" {
		return ErrCameraNotFound
	}
	if _, err := statDevice(device); err != nil {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, device)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.device = device
	c.deviceInfo = c.getDeviceInfo()
	c.isOpen = true

	logging.Component("camera").WithFields(logging.Fields{
		"device": device,
		"name":   c.deviceInfo.Name,
		"driver": c.deviceInfo.Driver,
	}).Info("Camera opened")
	return nil
}

// Close stops streaming and releases the device.
func (c *V4L2Camera) Close() error {
	err := c.StopStreaming()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.isOpen = false
	return err
}

// IsOpen returns whether the camera is open.
func (c *V4L2Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// GetDeviceInfo returns what v4l2-ctl reported for the device.
func (c *V4L2Camera) GetDeviceInfo() DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceInfo
}

func (c *V4L2Camera) getDeviceInfo() DeviceInfo {
	info := DeviceInfo{Path: c.device}

	out, err := execCommand("v4l2-ctl", "-d", c.device, "--info").Output()
	if err != nil {
		logging.Component("camera").Debugf("v4l2-ctl --info failed for %s: %v", c.device, err)
		return info
	}

	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Driver name":
			info.Driver = strings.TrimSpace(value)
		case "Card type":
			info.Name = strings.TrimSpace(value)
		}
	}
	return info
}

// Capture grabs a single JPEG frame. If ffmpeg fails it falls back to
// v4l2-ctl and ImageMagick.
func (c *V4L2Camera) Capture() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isOpen {
		return nil, ErrCameraNotOpen
	}

	frame, err := c.captureFFmpeg()
	if err == nil {
		return frame, nil
	}
	logging.Component("camera").Debugf("ffmpeg capture failed, trying v4l2-ctl: %v", err)
	return c.captureAlternative()
}

func (c *V4L2Camera) captureFFmpeg() (*Frame, error) {
	tmp, err := os.MkdirTemp("", "rollcall-capture-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	out := filepath.Join(tmp, "frame.jpg")

	cmd := execCommand("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
		"-i", c.device,
		"-frames:v", "1",
		"-y", out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return c.readFrameFile(out)
}

func (c *V4L2Camera) captureAlternative() (*Frame, error) {
	tmp, err := os.MkdirTemp("", "rollcall-capture-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	raw := filepath.Join(tmp, "frame.ppm")
	out := filepath.Join(tmp, "frame.jpg")

	grab := execCommand("v4l2-ctl",
		"-d", c.device,
		"--set-fmt-video=width="+strconv.Itoa(c.width)+",height="+strconv.Itoa(c.height),
		"--stream-mmap", "--stream-count=1",
		"--stream-to="+raw,
	)
	if err := grab.Run(); err != nil {
		return nil, fmt.Errorf("%w: v4l2-ctl: %v", ErrNoFrame, err)
	}
	if err := execCommand("convert", raw, out).Run(); err != nil {
		return nil, fmt.Errorf("%w: convert: %v", ErrNoFrame, err)
	}
	return c.readFrameFile(out)
}

func (c *V4L2Camera) readFrameFile(path string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	if !bytes.HasPrefix(data, jpegSOI) {
		return nil, fmt.Errorf("%w: output is not a JPEG", ErrNoFrame)
	}
	return &Frame{
		Data:      data,
		Width:     c.width,
		Height:    c.height,
		Format:    "JPEG",
		Timestamp: time.Now(),
	}, nil
}

// StartStreaming starts an ffmpeg process writing MJPEG frames to a pipe.
func (c *V4L2Camera) StartStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isOpen {
		return ErrCameraNotOpen
	}
	if c.stream != nil {
		return nil
	}

	cmd := execCommand("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
		"-framerate", strconv.Itoa(c.fps),
		"-i", c.device,
		"-f", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	c.stream = cmd
	c.streamOut = stdout
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	logging.Component("camera").WithField("device", c.device).Debug("Streaming started")
	return nil
}

// ReadFrame returns the next JPEG frame from the stream. It blocks until a
// complete frame arrives or the stream ends.
func (c *V4L2Camera) ReadFrame() (*Frame, error) {
	c.mu.Lock()
	reader := c.reader
	width, height := c.width, c.height
	c.mu.Unlock()

	if reader == nil {
		return nil, ErrNotStreaming
	}

	data, err := nextJPEG(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Format:    "JPEG",
		Timestamp: time.Now(),
	}, nil
}

// nextJPEG skips to the next SOI marker and returns everything through the following EOI.
func nextJPEG(r *bufio.Reader) ([]byte, error) {
	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == jpegSOI[0] && b == jpegSOI[1] {
			break
		}
		prev = b
	}

	buf := bytes.NewBuffer(append([]byte(nil), jpegSOI...))
	prev = 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if prev == jpegEOI[0] && b == jpegEOI[1] {
			return buf.Bytes(), nil
		}
		prev = b
	}
}

// StopStreaming terminates the streaming process if one is running.
func (c *V4L2Camera) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return nil
	}

	if c.stream.Process != nil {
		_ = c.stream.Process.Kill()
	}
	_ = c.streamOut.Close()
	_ = c.stream.Wait()

	c.stream = nil
	c.streamOut = nil
	c.reader = nil

	logging.Component("camera").WithField("device", c.device).Debug("Streaming stopped")
	return nil
}

// ListCameras returns the V4L2 devices present on the system.
func ListCameras() ([]DeviceInfo, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		c := &V4L2Camera{device: p}
		devices = append(devices, c.getDeviceInfo())
	}
	return devices, nil
}
