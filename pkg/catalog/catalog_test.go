package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
)

const queriesSQL = `
-- name: load_main_data
SELECT d.record_id, d.county, s.substance
FROM demographics d
JOIN substances s ON s.record_id = d.record_id;

-- name: count_by_sex_distinct
  SELECT sex, COUNT(DISTINCT record_id) AS n
  FROM demographics
  GROUP BY sex;


-- name:    empty_body
-- name: load_sud_primary_mh_secondary_v2
WITH mh_union AS (
  SELECT record_id, mh_diagnosis AS mh_dx, '' AS mh_pos FROM mh_diagnoses
)
SELECT * FROM demographics d JOIN mh_union m ON m.record_id = d.record_id;
`

func TestParse_NamesAndBodies(t *testing.T) {
	c, err := Parse(queriesSQL)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"load_main_data", "count_by_sex_distinct", "empty_body", "load_sud_primary_mh_secondary_v2",
	}, c.Names())
	assert.Equal(t, 4, c.Len())
	assert.Empty(t, c.Duplicates())

	body, ok := c.Lookup("load_main_data")
	require.True(t, ok)
	assert.Equal(t, "SELECT d.record_id, d.county, s.substance\nFROM demographics d\nJOIN substances s ON s.record_id = d.record_id;", body)

	body, ok = c.Lookup("count_by_sex_distinct")
	require.True(t, ok)
	assert.Equal(t, "SELECT sex, COUNT(DISTINCT record_id) AS n\n  FROM demographics\n  GROUP BY sex;", body)

	body, ok = c.Lookup("empty_body")
	require.True(t, ok)
	assert.Equal(t, "", body)
}

func TestParse_EveryBodyIsTrimmed(t *testing.T) {
	var sb strings.Builder
	want := map[string]string{}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("q%02d", i)
		body := fmt.Sprintf("SELECT %d AS n\nFROM t%d", i, i)
		want[name] = body
		fmt.Fprintf(&sb, "%s %s  \n\n\t%s\n\n   \n", Marker, name, body)
	}

	c, err := Parse(sb.String())
	require.NoError(t, err)
	require.Equal(t, len(want), c.Len())
	for name, body := range want {
		got, ok := c.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, body, got)
		assert.Equal(t, strings.TrimSpace(got), got)
	}
}

func TestParse_LaterDuplicateWins(t *testing.T) {
	c, err := Parse("-- name: q\nSELECT 1\n-- name: other\nSELECT 2\n-- name: q\nSELECT 3\n")
	require.NoError(t, err)

	body, ok := c.Lookup("q")
	require.True(t, ok)
	assert.Equal(t, "SELECT 3", body)
	assert.Equal(t, []string{"q", "other"}, c.Names())
	assert.Equal(t, []string{"q"}, c.Duplicates())
}

func TestParse_EdgeCases(t *testing.T) {
	c, err := Parse("")
	require.NoError(t, err)
	assert.Zero(t, c.Len())

	c, err = Parse("\uFEFF-- name: bom\nSELECT 1")
	require.NoError(t, err)
	assert.True(t, c.Has("bom"))

	c, err = Parse("-- name: crlf\r\nSELECT 1\r\n")
	require.NoError(t, err)
	body, _ := c.Lookup("crlf")
	assert.Equal(t, "SELECT 1", body)

	_, err = Parse("-- name: bad\nSELECT '\xff'")
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeCatalogRead))
}

func upload(t *testing.T, fs afs.Service, url, content string) {
	t.Helper()
	require.NoError(t, fs.Upload(context.Background(), url, file.DefaultFileOsMode, strings.NewReader(content)))
}

func TestLoader_MemoryResource(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	url := "mem://localhost/catalog/loader_memory/queries.sql"
	upload(t, fs, url, queriesSQL)

	l := NewLoader(WithFileSystem(fs))
	body, err := l.Load(ctx, url, "load_main_data")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(body, "SELECT d.record_id"))
}

func TestLoader_NotFound(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	url := "mem://localhost/catalog/loader_notfound/queries.sql"
	upload(t, fs, url, queriesSQL)

	l := NewLoader(WithFileSystem(fs))
	body, err := l.Load(ctx, url, "load_polysubstance_data")
	require.Error(t, err)
	assert.Empty(t, body)
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeQueryNotFound))
	assert.Contains(t, err.Error(), "load_polysubstance_data")
	assert.Contains(t, err.Error(), url)

	_, err = l.Load(ctx, url, "  ")
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeInvalidName))
}

func TestLoader_UnreadableResource(t *testing.T) {
	l := NewLoader()
	_, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "missing.sql"), "q")
	require.Error(t, err)
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeCatalogRead))
}

func TestLoader_LocalFileFreshByDefault(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queries.sql")
	require.NoError(t, os.WriteFile(path, []byte("-- name: q\nSELECT 1"), 0o644))

	l := NewLoader()
	body, err := l.Load(ctx, path, "q")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", body)

	require.NoError(t, os.WriteFile(path, []byte("-- name: q\nSELECT 2"), 0o644))
	body, err = l.Load(ctx, path, "q")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", body)
	assert.False(t, l.Cached(path))
}

func TestLoader_Cache(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queries.sql")
	require.NoError(t, os.WriteFile(path, []byte("-- name: q\nSELECT 1"), 0o644))

	l := NewLoader(WithCache(4))
	_, err := l.Load(ctx, path, "q")
	require.NoError(t, err)
	assert.True(t, l.Cached(path))

	require.NoError(t, os.WriteFile(path, []byte("-- name: q\nSELECT 2"), 0o644))
	body, err := l.Load(ctx, path, "q")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", body, "cached copy is served until invalidated")

	c, err := l.Reload(ctx, path)
	require.NoError(t, err)
	body, _ = c.Lookup("q")
	assert.Equal(t, "SELECT 2", body)

	l.Invalidate(path)
	assert.False(t, l.Cached(path))
}

func TestLoader_StrictNames(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	url := "mem://localhost/catalog/loader_strict/queries.sql"
	upload(t, fs, url, "-- name: q\nSELECT 1\n-- name: q\nSELECT 2")

	body, err := NewLoader(WithFileSystem(fs)).Load(ctx, url, "q")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", body)

	_, err = NewLoader(WithFileSystem(fs), WithStrictNames(true)).Load(ctx, url, "q")
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeCatalogDuplicate))
}

func TestNormalizeAndLocalPath(t *testing.T) {
	got, err := Normalize("mem://localhost/q.sql")
	require.NoError(t, err)
	assert.Equal(t, "mem://localhost/q.sql", got)

	got, err = Normalize("/etc/discharge/queries.sql")
	require.NoError(t, err)
	assert.Equal(t, "file:///etc/discharge/queries.sql", got)

	got, err = Normalize("queries.sql")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "file:///"))
	assert.True(t, strings.HasSuffix(got, "/queries.sql"))

	path, ok := LocalPath("file:///etc/discharge/queries.sql")
	require.True(t, ok)
	assert.Equal(t, filepath.FromSlash("/etc/discharge/queries.sql"), path)

	_, ok = LocalPath("mem://localhost/q.sql")
	assert.False(t, ok)
}
