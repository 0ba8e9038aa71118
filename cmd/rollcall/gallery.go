package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/database"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// galleryLoader resolves the configured template source into samples.
type galleryLoader struct {
	cfg       *config.Config
	db        *database.DB
	extractor func() (enrollment.Extractor, error)
	progress  io.Writer
}

// name identifies the template source in logs and fatal errors.
func (g *galleryLoader) name() string {
	switch g.cfg.Gallery.Source {
	case config.SourceImages:
		return g.cfg.Gallery.ImagesDir
	case config.SourcePostgres:
		return "postgres:templates"
	default:
		return g.cfg.Gallery.CacheFile
	}
}

func (g *galleryLoader) load(ctx context.Context) (*gallery.TemplateSet, error) {
	samples, err := g.samples(ctx)
	if err != nil {
		return nil, err
	}
	set, err := gallery.Load(samples)
	if err != nil {
		return nil, fmt.Errorf("load gallery %s: %w", g.name(), err)
	}
	return set, nil
}

func (g *galleryLoader) samples(ctx context.Context) ([]gallery.Sample, error) {
	log := logging.Component("gallery")

	switch g.cfg.Gallery.Source {
	case config.SourcePostgres:
		repo, err := database.NewTemplateRepository(g.db)
		if err != nil {
			return nil, err
		}
		return repo.Samples(ctx)

	case config.SourceImages:
		return g.scan()

	default:
		cache, err := storage.NewGalleryCache(g.cfg.Gallery.CacheFile, g.cfg.Gallery.EncryptionEnabled)
		if err != nil {
			return nil, err
		}
		samples, err := cache.Load()
		if err == nil {
			return samples, nil
		}
		if !errors.Is(err, storage.ErrCacheNotFound) {
			return nil, err
		}

		log.Info("No gallery cache yet, enrolling from images")
		samples, err = g.scan()
		if err != nil {
			return nil, err
		}
		if err := cache.Save(samples); err != nil {
			log.WithError(err).Warn("Could not write gallery cache")
		}
		return samples, nil
	}
}

func (g *galleryLoader) scan() ([]gallery.Sample, error) {
	ex, err := g.extractor()
	if err != nil {
		return nil, err
	}
	result, err := enrollment.Scan(g.cfg.Gallery.ImagesDir, ex, enrollment.Options{Progress: g.progress})
	if err != nil {
		return nil, err
	}
	return result.Samples, nil
}

func newGalleryCommand(ctx *commandContext) *cobra.Command {
	galleryCmd := &cobra.Command{
		Use:   "gallery",
		Short: "Inspect enrolled identities",
	}
	galleryCmd.AddCommand(newGalleryListCommand(ctx))
	galleryCmd.AddCommand(newGalleryClearCommand(ctx))
	return galleryCmd
}

func newGalleryListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrolled identities and their template counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			defer ctx.close()

			loader := &galleryLoader{
				cfg:       cfg,
				extractor: ctx.extractor,
				progress:  cmd.ErrOrStderr(),
			}
			if cfg.Gallery.Source == config.SourcePostgres {
				db, err := ctx.openDatabase(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				loader.db = db
			}

			set, err := loader.load(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Identity", "Templates"},
				galleryRows(set),
				[]columnAlignment{alignLeft, alignRight},
			))
			fmt.Fprintf(out, "%d identities from %s\n", set.Len(), loader.name())
			return nil
		},
	}
}

func galleryRows(set *gallery.TemplateSet) [][]string {
	counts := set.Counts()
	ids := set.Identities()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{string(id), strconv.Itoa(counts[id])})
	}
	return rows
}

func newGalleryClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the local gallery cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cache, err := storage.NewGalleryCache(cfg.Gallery.CacheFile, cfg.Gallery.EncryptionEnabled)
			if err != nil {
				return err
			}
			if !cache.Exists() {
				fmt.Fprintln(cmd.OutOrStdout(), "No gallery cache present")
				return nil
			}
			if err := cache.Remove(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", cache.Path())
			return nil
		},
	}
}
