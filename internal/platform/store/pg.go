package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirstore/fhirstore/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PG is the Postgres document store. Every document, live or historical,
// is one row in the documents table keyed by its full document key; the
// kind column distinguishes live bodies, version snapshots, and
// tombstones so searches can restrict themselves to live rows.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (p *PG) Get(ctx context.Context, key string) (fhir.Document, error) {
	return getDoc(ctx, p.pool, key)
}

func (p *PG) BatchGet(ctx context.Context, keys []string) ([]fhir.Document, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT document_key, resource FROM documents WHERE document_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("batch get: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]fhir.Document, len(keys))
	for rows.Next() {
		var key string
		var doc fhir.Document
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		byKey[key] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	// Preserve the caller's key order; absent keys are skipped.
	out := make([]fhir.Document, 0, len(byKey))
	for _, key := range keys {
		if doc, ok := byKey[key]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (p *PG) RunInTransaction(ctx context.Context, fn func(tx fhir.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, key string) (fhir.Document, error) {
	return getDoc(ctx, t.tx, key)
}

func (t *pgTx) Insert(ctx context.Context, key string, doc fhir.Document) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO documents (document_key, resource_type, kind, resource)
		VALUES ($1, $2, $3, $4)`,
		key, resourceTypeOf(key), kindForKey(key), doc)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("insert %s: document already exists", key)
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) Replace(ctx context.Context, key string, doc fhir.Document) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE documents SET resource = $2, updated_at = NOW() WHERE document_key = $1`,
		key, doc)
	if err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replace %s: %w", key, fhir.ErrDocNotFound)
	}
	return nil
}

func (t *pgTx) Upsert(ctx context.Context, key string, doc fhir.Document) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO documents (document_key, resource_type, kind, resource)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_key)
		DO UPDATE SET resource = EXCLUDED.resource, updated_at = NOW()`,
		key, resourceTypeOf(key), kindForKey(key), doc)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) Remove(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM documents WHERE document_key = $1`, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func getDoc(ctx context.Context, q queryable, key string) (fhir.Document, error) {
	var doc fhir.Document
	err := q.QueryRow(ctx,
		`SELECT resource FROM documents WHERE document_key = $1`, key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", key, fhir.ErrDocNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

func resourceTypeOf(key string) string {
	if idx := strings.IndexByte(key, '/'); idx > 0 {
		return key[:idx]
	}
	return key
}

func kindForKey(key string) string {
	switch {
	case strings.HasSuffix(key, "/_tombstone"):
		return "tombstone"
	case strings.Contains(key, "/_history/"):
		return "version"
	default:
		return "live"
	}
}
