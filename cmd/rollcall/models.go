package main

import (
	"compress/bzip2"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

var modelBaseURL = "http://dlib.net/files/"

var modelFiles = []string{
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
	"mmod_human_face_detector.dat",
}

func newModelsCommand(ctx *commandContext) *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage dlib recognition models",
	}

	var dirFlag string
	download := &cobra.Command{
		Use:   "download",
		Short: "Download the dlib models into recognition.model_path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dir := cfg.Recognition.ModelPath
			if dirFlag != "" {
				dir = config.ExpandPath(dirFlag)
			}
			client := &http.Client{Timeout: 10 * time.Minute}
			return downloadModels(client, modelBaseURL, dir, cmd.ErrOrStderr())
		},
	}
	download.Flags().StringVarP(&dirFlag, "dir", "d", "", "Target directory (defaults to recognition.model_path)")

	modelsCmd.AddCommand(download)
	return modelsCmd
}

func downloadModels(client *http.Client, baseURL, modelDir string, progress io.Writer) error {
	log := logging.Component("models")
	log.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	for _, name := range modelFiles {
		target := filepath.Join(modelDir, name)
		if _, err := os.Stat(target); err == nil {
			log.Infof("Model %s already exists, skipping", name)
			continue
		}

		log.Infof("Downloading %s...", name)
		if err := downloadAndExtract(client, baseURL+name+".bz2", target, progress); err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
	}

	log.Info("All models present")
	return nil
}

// downloadAndExtract streams a bzip2 file into target. Data goes to a temporary
// file first so an interrupted download never leaves a truncated model behind.
func downloadAndExtract(client *http.Client, url, target string, progress io.Writer) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var body io.Reader = resp.Body
	if progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription(filepath.Base(target)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		body = io.TeeReader(resp.Body, bar)
	}

	if _, err := io.Copy(out, bzip2.NewReader(body)); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}
