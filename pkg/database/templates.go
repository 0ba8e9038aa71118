package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
)

// ErrTemplatesUnsupported is returned when templates are requested from a non-postgres database.
var ErrTemplatesUnsupported = errors.New("template storage requires the postgres driver")

// TemplateRepository stores enrolled embeddings in postgres as pgvector columns,
// so several stations can share one enrollment.
type TemplateRepository struct {
	db *DB
}

// NewTemplateRepository returns a repository backed by db.
func NewTemplateRepository(db *DB) (*TemplateRepository, error) {
	if db.dialect.Name != config.DriverPostgres {
		return nil, ErrTemplatesUnsupported
	}
	return &TemplateRepository{db: db}, nil
}

// Replace swaps the stored enrollment for samples in a single transaction.
func (r *TemplateRepository) Replace(ctx context.Context, samples []gallery.Sample) error {
	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin templates tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM templates"); err != nil {
		return fmt.Errorf("clear templates: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO templates (name, embedding, source) VALUES ($1, $2, $3)")
	if err != nil {
		return fmt.Errorf("prepare template insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if len(s.Embedding) == 0 {
			continue
		}
		label := string(gallery.NormalizeIdentity(s.Label))
		if _, err := stmt.ExecContext(ctx, label, pgvector.NewVector(s.Embedding), s.Source); err != nil {
			return fmt.Errorf("insert template %s: %w", label, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit templates: %w", err)
	}
	return nil
}

// Samples returns every stored template in insertion order.
func (r *TemplateRepository) Samples(ctx context.Context) ([]gallery.Sample, error) {
	rows, err := r.db.db.QueryContext(ctx, "SELECT name, embedding, source FROM templates ORDER BY template_id")
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var samples []gallery.Sample
	for rows.Next() {
		var (
			s   gallery.Sample
			vec pgvector.Vector
		)
		if err := rows.Scan(&s.Label, &vec, &s.Source); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		s.Embedding = gallery.Embedding(vec.Slice())
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return samples, nil
}
