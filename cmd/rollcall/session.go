package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/metrics"
	"github.com/MrCodeEU/rollcall/pkg/server"
	"github.com/MrCodeEU/rollcall/pkg/session"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Run and list attendance sessions",
	}
	sessionCmd.AddCommand(newSessionStartCommand(ctx))
	sessionCmd.AddCommand(newSessionListCommand(ctx))
	return sessionCmd
}

func newSessionStartCommand(ctx *commandContext) *cobra.Command {
	var unit, room string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a session and mark attendance from the camera until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			defer ctx.close()
			log := logging.Component("session")

			lock := flock.New(cfg.LockPath())
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire camera lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("camera %s is already used by another session (lock %s)", cfg.Camera.Device, cfg.LockPath())
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					log.WithError(err).Warn("Failed to release camera lock")
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The device is checked before anything is written so a missing
			// camera never leaves an empty session behind.
			cam, err := openCamera(cfg)
			if err != nil {
				return fmt.Errorf("start session for %s in %s: %w", unit, room, err)
			}
			defer cam.Close()

			db, err := ctx.openDatabase(runCtx)
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := ctx.loadRecognizer()
			if err != nil {
				return err
			}

			loader := &galleryLoader{cfg: cfg, db: db, extractor: ctx.extractor, progress: cmd.ErrOrStderr()}
			set, err := loader.load(runCtx)
			if err != nil {
				return err
			}

			if err := cam.StartStreaming(); err != nil {
				return fmt.Errorf("start session for %s in %s with gallery %s: %w", unit, room, loader.name(), err)
			}
			defer func() {
				_ = cam.StopStreaming()
			}()

			sess, err := db.CreateSession(runCtx, unit, room)
			if err != nil {
				return err
			}

			opts := vision.DefaultOptions()
			opts.Scale = cfg.Recognition.Scale
			opts.MaxFailedReads = cfg.Camera.MaxFailedReads
			source := vision.NewSource(cam, rec, opts)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)
			m.SetGalleryIdentities(set.Len())

			attendance := ledger.New(db)

			if cfg.Server.Listen != "" {
				srv := server.New(cfg.Server.Listen, db, attendance, m, reg)
				go func() {
					if err := srv.Start(); err != nil {
						log.WithError(err).Error("HTTP server stopped")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						log.WithError(err).Warn("HTTP server shutdown failed")
					}
				}()
			}

			orch, err := session.New(
				session.Config{SessionID: sess.ID, Gallery: loader.name(), Threshold: cfg.Recognition.Threshold},
				set, source, attendance, session.LogSink{},
				session.WithRecorder(m),
				session.WithErrorHandler(func(err error) {
					if errors.Is(err, ledger.ErrStorage) {
						fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
					}
				}),
			)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %d started for %s in %s (%d identities). Press Ctrl+C to stop.\n",
				sess.ID, sess.Unit, sess.Room, set.Len())

			runErr := orch.Run(runCtx)

			stats := orch.Stats()
			fmt.Fprintln(out, renderTable(
				[]string{"Frames", "Faces", "Accepted", "Marked", "Repeat", "Failed", "Skipped"},
				[][]string{{
					strconv.FormatUint(stats.Frames, 10),
					strconv.FormatUint(stats.Faces, 10),
					strconv.FormatUint(stats.Accepted, 10),
					strconv.FormatUint(stats.Inserted, 10),
					strconv.FormatUint(stats.AlreadyPresent, 10),
					strconv.FormatUint(stats.StorageErrors, 10),
					strconv.FormatUint(stats.Skipped, 10),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			fmt.Fprintf(out, "Run 'rollcall report %d' for the attendance list.\n", sess.ID)
			return runErr
		},
	}

	cmd.Flags().StringVar(&unit, "unit", "", "Unit (course) the session belongs to")
	cmd.Flags().StringVar(&room, "room", "", "Room the session takes place in")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func newSessionListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions recorded")
				return nil
			}

			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, []string{
					strconv.FormatInt(s.ID, 10),
					s.Unit,
					s.Room,
					s.StartedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Unit", "Room", "Started"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of sessions to show (0 for all)")
	return cmd
}
