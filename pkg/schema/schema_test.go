package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/storage"
)

// fakeIntrospector serves a fixed schema.
type fakeIntrospector struct {
	tables  []string
	columns map[string][]string
	err     error
	calls   []string
}

func (f *fakeIntrospector) Tables(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tables, nil
}

func (f *fakeIntrospector) Columns(ctx context.Context, table string) ([]string, error) {
	f.calls = append(f.calls, table)
	return f.columns[table], nil
}

func openSQLite(t *testing.T, ddl ...string) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range ddl {
		_, err := db.Exec(ctx, stmt)
		require.NoError(t, err)
	}
	return db
}

func TestSQLite_TablesAndColumns(t *testing.T) {
	db := openSQLite(t,
		`CREATE TABLE demographics (record_id INTEGER, county TEXT, age_group TEXT)`,
		`CREATE TABLE discharges (record_id INTEGER, substance TEXT)`,
	)
	in := NewSQLite(db)
	ctx := context.Background()

	tables, err := in.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"demographics", "discharges"}, tables)

	cols, err := in.Columns(ctx, "demographics")
	require.NoError(t, err)
	assert.Equal(t, []string{"record_id", "county", "age_group"}, cols)
}

func TestSQLite_MissingTableHasNoColumns(t *testing.T) {
	db := openSQLite(t)
	in := NewSQLite(db)

	cols, err := in.Columns(context.Background(), "no_such_table")
	require.NoError(t, err)
	assert.Empty(t, cols)

	// Odd names are quoted, not interpolated.
	cols, err = in.Columns(context.Background(), `x"); DROP TABLE t; --`)
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestForDialect(t *testing.T) {
	db := openSQLite(t)

	in, err := ForDialect(db, storage.BackendSQLite)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, in)

	in, err = ForDialect(db, storage.BackendSQLServer)
	require.NoError(t, err)
	assert.IsType(t, &InformationSchema{}, in)

	_, err = ForDialect(db, "oracle")
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeUnsupportedBackend))
}

func TestDescribe(t *testing.T) {
	db := openSQLite(t,
		`CREATE TABLE demographics (record_id INTEGER, mh_dx TEXT)`,
	)
	d, err := Describe(context.Background(), NewSQLite(db))
	require.NoError(t, err)
	require.Len(t, d.Tables, 1)

	tbl, ok := d.Lookup("DEMOGRAPHICS")
	require.True(t, ok)
	assert.Equal(t, []string{"record_id", "mh_dx"}, tbl.Columns)
}

func TestDetector_HigherPriorityTableWins(t *testing.T) {
	// diagnoses appears first in enumeration order but mh_diagnoses is the
	// preferred candidate.
	in := &fakeIntrospector{
		tables: []string{"diagnoses", "discharges", "mh_diagnoses"},
		columns: map[string][]string{
			"diagnoses":    {"record_id", "mh_diagnosis"},
			"mh_diagnoses": {"record_id", "mh_diag"},
		},
	}
	src, ok, err := NewDetector().Detect(context.Background(), in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Source{Table: "mh_diagnoses", Column: "mh_diag"}, src)
	assert.Equal(t, "mh_diagnoses.mh_diag", src.String())
}

func TestDetector_ColumnPriorityWithinTable(t *testing.T) {
	in := &fakeIntrospector{
		tables: []string{"demographics"},
		columns: map[string][]string{
			"demographics": {"record_id", "mh", "mh_dx"},
		},
	}
	src, ok, err := NewDetector().Detect(context.Background(), in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mh_dx", src.Column)
}

func TestDetector_NonCandidateTablesScannedLast(t *testing.T) {
	in := &fakeIntrospector{
		tables: []string{"zz_extract", "discharges", "demographics"},
		columns: map[string][]string{
			"zz_extract":   {"record_id", "mental_health"},
			"demographics": {"record_id", "county"},
		},
	}
	src, ok, err := NewDetector().Detect(context.Background(), in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Source{Table: "zz_extract", Column: "mental_health"}, src)
	assert.Equal(t, []string{"demographics", "zz_extract"}, in.calls)
}

func TestDetector_CaseInsensitiveKeepsSpelling(t *testing.T) {
	in := &fakeIntrospector{
		tables: []string{"Demographics"},
		columns: map[string][]string{
			"Demographics": {"RecordID", "MH_Diagnosis"},
		},
	}
	src, ok, err := NewDetector().Detect(context.Background(), in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Source{Table: "Demographics", Column: "MH_Diagnosis"}, src)
}

func TestDetector_NoSource(t *testing.T) {
	in := &fakeIntrospector{
		tables: []string{"demographics", "discharges"},
		columns: map[string][]string{
			"demographics": {"record_id", "county"},
		},
	}
	src, ok, err := NewDetector().Detect(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, src.IsZero())
}

func TestDetector_PropagatesIntrospectionError(t *testing.T) {
	boom := errors.New("connection reset")
	_, _, err := NewDetector().Detect(context.Background(), &fakeIntrospector{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestDetector_AgainstSQLite(t *testing.T) {
	db := openSQLite(t,
		`CREATE TABLE conditions (record_id INTEGER, mh_condition TEXT)`,
		`CREATE TABLE demographics (record_id INTEGER, mental_health_diagnosis TEXT)`,
	)
	d := NewDetector()
	src, ok, err := d.Detect(context.Background(), NewSQLite(db))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Source{Table: "demographics", Column: "mental_health_diagnosis"}, src)

	desc, err := Describe(context.Background(), NewSQLite(db))
	require.NoError(t, err)
	src2, ok := d.DetectIn(desc)
	require.True(t, ok)
	assert.Equal(t, src, src2)
}
