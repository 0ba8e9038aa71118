package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

var listCameras = camera.ListCameras

// frameCapturer grabs one still frame from an opened device.
type frameCapturer interface {
	Capture() (*camera.Frame, error)
}

func newCameraCommand(ctx *commandContext) *cobra.Command {
	cameraCmd := &cobra.Command{
		Use:   "camera",
		Short: "Inspect V4L2 capture devices",
	}
	cameraCmd.AddCommand(newCameraListCommand())
	cameraCmd.AddCommand(newCameraInfoCommand(ctx))
	return cameraCmd
}

func newCameraListCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "list",
		Short:       "List the video devices present on this machine",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := listCameras()
			if err != nil {
				return fmt.Errorf("list cameras: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No video devices found")
				return nil
			}
			fmt.Fprintln(out, renderTable([]string{"Device", "Name", "Driver"}, cameraRows(devices), nil))
			return nil
		},
	}
}

func newCameraInfoCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the configured camera device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cam, err := openCamera(cfg)
			if err != nil {
				return err
			}
			defer cam.Close()

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Device", "Name", "Driver", "Resolution", "FPS"},
				[][]string{append(cameraRows([]camera.DeviceInfo{cam.GetDeviceInfo()})[0],
					fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height),
					strconv.Itoa(cfg.Camera.FPS),
				)},
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}

// openCamera opens the configured device without starting the stream.
func openCamera(cfg *config.Config) (*camera.V4L2Camera, error) {
	cam := camera.NewCamera()
	if err := cam.SetResolution(cfg.Camera.Width, cfg.Camera.Height); err != nil {
		return nil, err
	}
	if err := cam.SetFPS(cfg.Camera.FPS); err != nil {
		return nil, err
	}
	if err := cam.Open(cfg.Camera.Device); err != nil {
		return nil, fmt.Errorf("open camera %s: %w", cfg.Camera.Device, err)
	}
	return cam, nil
}

func cameraRows(devices []camera.DeviceInfo) [][]string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		name, driver := d.Name, d.Driver
		if name == "" {
			name = "unknown"
		}
		if driver == "" {
			driver = "unknown"
		}
		rows = append(rows, []string{d.Path, name, driver})
	}
	return rows
}

// captureEnrollmentImages stores count frames as <label>_<n>.jpg in dir,
// numbering after any images the label already has.
func captureEnrollmentImages(src frameCapturer, dir, label string, count int) ([]string, error) {
	id := gallery.NormalizeIdentity(label)
	switch {
	case id == "":
		return nil, fmt.Errorf("%w: empty capture label", gallery.ErrInvalidIdentity)
	case strings.ContainsAny(label, "_/\\"):
		return nil, fmt.Errorf("%w: capture label %q must not contain '_' or path separators", gallery.ErrInvalidIdentity, label)
	case id == gallery.Unknown:
		return nil, fmt.Errorf("%w: label %q is reserved for unmatched faces", gallery.ErrInvalidIdentity, label)
	}
	if count <= 0 {
		return nil, fmt.Errorf("capture count must be positive, got %d", count)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create enrollment dir: %w", err)
	}

	prefix := strings.ToLower(strings.TrimSpace(label))
	next, err := nextCaptureIndex(dir, id)
	if err != nil {
		return nil, err
	}

	log := logging.Component("enroll")
	written := make([]string, 0, count)
	for len(written) < count {
		frame, err := src.Capture()
		if err != nil {
			return written, fmt.Errorf("capture frame %d of %d: %w", len(written)+1, count, err)
		}
		if _, err := frame.ToImage(); err != nil {
			return written, fmt.Errorf("capture frame %d of %d: %w", len(written)+1, count, err)
		}

		path := filepath.Join(dir, prefix+"_"+strconv.Itoa(next)+".jpg")
		if err := os.WriteFile(path, frame.Data, 0600); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		log.WithField("file", path).Debug("Captured enrollment image")
		written = append(written, path)
		next++
	}
	return written, nil
}

func nextCaptureIndex(dir string, id gallery.Identity) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read enrollment dir: %w", err)
	}
	next := 1
	for _, e := range entries {
		if e.IsDir() || enrollment.LabelFromFilename(e.Name()) != string(id) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		_, suffix, _ := strings.Cut(base, "_")
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n >= next {
			next = n + 1
		}
	}
	return next, nil
}
