package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/postgres"
)

func sampleDoc(id string) Document {
	return Document{
		DocID:         id,
		ContainerPath: "/data/" + id + "/document.mkv",
		IndexPath:     "/data/" + id + "/index",
		ContainerID:   "cid-" + id,
		PageCount:     42,
		Codec:         "h265",
		SizeBytes:     1 << 20,
		EncodedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func exerciseCatalog(t *testing.T, c *Catalog) {
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)

	require.NoError(t, c.Upsert(ctx, sampleDoc("annual-2025")))
	require.NoError(t, c.Upsert(ctx, sampleDoc("handbook")))

	got, err := c.Get(ctx, "annual-2025")
	require.NoError(t, err)
	assert.Equal(t, sampleDoc("annual-2025"), got)

	updated := sampleDoc("annual-2025")
	updated.PageCount = 43
	updated.Codec = "av1"
	require.NoError(t, c.Upsert(ctx, updated))
	got, err = c.Get(ctx, "annual-2025")
	require.NoError(t, err)
	assert.Equal(t, 43, got.PageCount)
	assert.Equal(t, "av1", got.Codec)

	byContainer, err := c.FindByContainer(ctx, "cid-handbook")
	require.NoError(t, err)
	assert.Equal(t, "handbook", byContainer.DocID)

	docs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "annual-2025", docs[0].DocID)

	require.NoError(t, c.Delete(ctx, "handbook"))
	assert.ErrorIs(t, c.Delete(ctx, "handbook"), apperrors.ErrDocumentNotFound)
	assert.NoError(t, c.Ping(ctx))
}

func TestSQLiteCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	exerciseCatalog(t, c)

	// reopening sees the same rows
	require.NoError(t, c.Close())
	c, err = OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer c.Close()
	docs, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func exerciseReplace(t *testing.T, c *Catalog) {
	ctx := context.Background()

	first := sampleDoc("manual")
	_, replaced, err := c.Replace(ctx, first)
	require.NoError(t, err)
	assert.False(t, replaced)

	second := sampleDoc("manual")
	second.ContainerID = "cid-manual-v2"
	second.PageCount = 7
	prev, replaced, err := c.Replace(ctx, second)
	require.NoError(t, err)
	require.True(t, replaced)
	assert.Equal(t, "cid-manual", prev.ContainerID)
	assert.Equal(t, 42, prev.PageCount)

	got, err := c.Get(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestSQLiteCatalog_Replace(t *testing.T) {
	c, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()
	exerciseReplace(t, c)
}

func TestPostgresCatalog(t *testing.T) {
	host := os.Getenv("DKR_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("DKR_TEST_POSTGRES_HOST not set")
	}
	cfg := config.Default().Postgres
	cfg.Host = host
	if p, err := strconv.Atoi(os.Getenv("DKR_TEST_POSTGRES_PORT")); err == nil {
		cfg.Port = p
	}
	client, err := postgres.New(context.Background(), cfg)
	require.NoError(t, err)
	c, err := NewPostgres(context.Background(), client)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.db.Exec(`DELETE FROM documents`)
	require.NoError(t, err)
	exerciseCatalog(t, c)
	exerciseReplace(t, c)
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", dialectPostgres.rebind(q))
}
