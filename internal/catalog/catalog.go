// Package catalog maps document identities to their encoded artifacts. The
// same SQL runs on an embedded SQLite file or a shared PostgreSQL database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/postgres"
)

// Document is the artifact set of one encoded document.
type Document struct {
	DocID         string    `json:"doc_id"`
	ContainerPath string    `json:"container_path"`
	IndexPath     string    `json:"index_path"`
	ContainerID   string    `json:"container_id"`
	PageCount     int       `json:"page_count"`
	Codec         string    `json:"codec"`
	SizeBytes     int64     `json:"size_bytes"`
	EncodedAt     time.Time `json:"encoded_at"`
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id          TEXT PRIMARY KEY,
	container_path  TEXT NOT NULL,
	index_path      TEXT NOT NULL,
	container_id    TEXT NOT NULL,
	page_count      INTEGER NOT NULL,
	codec           TEXT NOT NULL,
	size_bytes      BIGINT NOT NULL,
	encoded_at_ms   BIGINT NOT NULL
)`

const columns = "doc_id, container_path, index_path, container_id, page_count, codec, size_bytes, encoded_at_ms"

type Catalog struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// OpenSQLite opens (creating if needed) a catalog file.
func OpenSQLite(ctx context.Context, path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring catalog %s: %w", path, err)
		}
	}
	return newCatalog(ctx, db, dialectSQLite)
}

// NewPostgres uses the client's pool. Closing the catalog closes the pool.
func NewPostgres(ctx context.Context, client *postgres.Client) (*Catalog, error) {
	return newCatalog(ctx, client.DB, dialectPostgres)
}

func newCatalog(ctx context.Context, db *sql.DB, d dialect) (*Catalog, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating catalog schema: %w", err)
	}
	return &Catalog{
		db:      db,
		dialect: d,
		logger:  slog.Default().With("component", "catalog"),
	}, nil
}

const upsertSQL = `INSERT INTO documents (` + columns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (doc_id) DO UPDATE SET
	container_path = excluded.container_path,
	index_path = excluded.index_path,
	container_id = excluded.container_id,
	page_count = excluded.page_count,
	codec = excluded.codec,
	size_bytes = excluded.size_bytes,
	encoded_at_ms = excluded.encoded_at_ms`

func upsertArgs(doc Document) []any {
	return []any{
		doc.DocID, doc.ContainerPath, doc.IndexPath, doc.ContainerID,
		doc.PageCount, doc.Codec, doc.SizeBytes, doc.EncodedAt.UnixMilli(),
	}
}

// Upsert records doc, replacing any previous artifacts of the same DocID.
func (c *Catalog) Upsert(ctx context.Context, doc Document) error {
	if _, err := c.db.ExecContext(ctx, c.dialect.rebind(upsertSQL), upsertArgs(doc)...); err != nil {
		return fmt.Errorf("recording document %s: %w", doc.DocID, err)
	}
	c.logger.Debug("document recorded", "doc_id", doc.DocID, "pages", doc.PageCount)
	return nil
}

// Replace records doc and returns the row it replaced, read in the same
// transaction. replaced is false for a first encode.
func (c *Catalog) Replace(ctx context.Context, doc Document) (prev Document, replaced bool, err error) {
	err = postgres.InTx(ctx, c.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, c.dialect.rebind(`SELECT `+columns+` FROM documents WHERE doc_id = ?`), doc.DocID)
		p, err := scan(row)
		switch {
		case err == nil:
			prev, replaced = p, true
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("loading document %s: %w", doc.DocID, err)
		}
		if _, err := tx.ExecContext(ctx, c.dialect.rebind(upsertSQL), upsertArgs(doc)...); err != nil {
			return fmt.Errorf("recording document %s: %w", doc.DocID, err)
		}
		return nil
	})
	if err != nil {
		return Document{}, false, err
	}
	c.logger.Debug("document replaced", "doc_id", doc.DocID, "replaced", replaced, "container_id", doc.ContainerID)
	return prev, replaced, nil
}

func (c *Catalog) Get(ctx context.Context, docID string) (Document, error) {
	row := c.db.QueryRowContext(ctx, c.dialect.rebind(`SELECT `+columns+` FROM documents WHERE doc_id = ?`), docID)
	doc, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, apperrors.Newf(apperrors.ErrDocumentNotFound, "%s", docID)
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document %s: %w", docID, err)
	}
	return doc, nil
}

// FindByContainer looks a document up by its container identity.
func (c *Catalog) FindByContainer(ctx context.Context, containerID string) (Document, error) {
	row := c.db.QueryRowContext(ctx, c.dialect.rebind(`SELECT `+columns+` FROM documents WHERE container_id = ?`), containerID)
	doc, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, apperrors.Newf(apperrors.ErrDocumentNotFound, "container %s", containerID)
	}
	return doc, err
}

func (c *Catalog) List(ctx context.Context) ([]Document, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+columns+` FROM documents ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scan(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *Catalog) Delete(ctx context.Context, docID string) error {
	res, err := c.db.ExecContext(ctx, c.dialect.rebind(`DELETE FROM documents WHERE doc_id = ?`), docID)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", docID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrDocumentNotFound, "%s", docID)
	}
	return nil
}

func (c *Catalog) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Catalog) Close() error { return c.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Document, error) {
	var doc Document
	var encodedAt int64
	err := s.Scan(&doc.DocID, &doc.ContainerPath, &doc.IndexPath, &doc.ContainerID,
		&doc.PageCount, &doc.Codec, &doc.SizeBytes, &encodedAt)
	if err != nil {
		return Document{}, err
	}
	doc.EncodedAt = time.UnixMilli(encodedAt).UTC()
	return doc, nil
}
