package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/database"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

func newEnrollCommand(ctx *commandContext) *cobra.Command {
	var (
		dirFlag      string
		captureLabel string
		captureCount int
	)

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Build the gallery from the enrollment images directory",
		Long: `Scans every image in the enrollment directory. The identity is the part of the
file name before the first underscore, so alice_1.jpg and alice_2.jpg both enroll ALICE.
The result is written to the gallery cache, or to postgres when gallery.source is postgres.

With --capture NAME the configured camera first takes --count stills of NAME and
stores them as NAME_<n>.jpg in the enrollment directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			defer ctx.close()

			dir := cfg.Gallery.ImagesDir
			if strings.TrimSpace(dirFlag) != "" {
				dir = config.ExpandPath(dirFlag)
			}

			out := cmd.OutOrStdout()
			if strings.TrimSpace(captureLabel) != "" {
				cam, err := openCamera(cfg)
				if err != nil {
					return err
				}
				written, err := captureEnrollmentImages(cam, dir, captureLabel, captureCount)
				_ = cam.Close()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Captured %d images of %s\n", len(written), gallery.NormalizeIdentity(captureLabel))
			} else if cmd.Flags().Changed("count") {
				return fmt.Errorf("--count requires --capture")
			}

			rec, err := ctx.loadRecognizer()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Enrolling from %s...\n", dir)
			result, err := enrollment.Scan(dir, rec, enrollment.Options{Progress: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}

			set, err := gallery.Load(result.Samples)
			if err != nil {
				return fmt.Errorf("nothing enrolled from %s: %w", dir, err)
			}

			if cfg.Gallery.Source == config.SourcePostgres {
				db, err := ctx.openDatabase(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				repo, err := database.NewTemplateRepository(db)
				if err != nil {
					return err
				}
				if err := repo.Replace(cmd.Context(), result.Samples); err != nil {
					return err
				}
				fmt.Fprintln(out, "Templates stored in postgres")
			} else {
				cache, err := storage.NewGalleryCache(cfg.Gallery.CacheFile, cfg.Gallery.EncryptionEnabled)
				if err != nil {
					return err
				}
				if err := cache.Save(result.Samples); err != nil {
					return err
				}
				fmt.Fprintf(out, "Gallery cache written to %s\n", cache.Path())
			}

			logging.Component("enroll").WithFields(logging.Fields{
				"identities": set.Len(),
				"samples":    len(result.Samples),
				"skipped":    len(result.Skipped),
			}).Info("Enrollment complete")

			fmt.Fprintln(out, renderTable(
				[]string{"Identity", "Templates"},
				galleryRows(set),
				[]columnAlignment{alignLeft, alignRight},
			))
			if len(result.Skipped) > 0 {
				rows := make([][]string, 0, len(result.Skipped))
				for _, s := range result.Skipped {
					rows = append(rows, []string{s.File, s.Reason})
				}
				fmt.Fprintln(out, "Skipped images:")
				fmt.Fprintln(out, renderTable([]string{"File", "Reason"}, rows, nil))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dirFlag, "dir", "d", "", "Enrollment images directory (defaults to gallery.images_dir)")
	cmd.Flags().StringVar(&captureLabel, "capture", "", "Capture stills of this person from the camera before enrolling")
	cmd.Flags().IntVarP(&captureCount, "count", "n", 5, "Number of stills to capture with --capture")
	return cmd
}
