package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/discharge/pkg/cohort"
	"github.com/ha1tch/discharge/pkg/config"
	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/log"
	"github.com/ha1tch/discharge/pkg/storage"
	"github.com/ha1tch/discharge/pkg/view"
)

const mainQuery = `-- name: load_main_data
SELECT d.record_id, s.substance, d.county, d.region, d.zip, d.residency,
       d.age_group, d.sex, d.calendar_year
FROM demographics d
JOIN substances s ON s.record_id = d.record_id
ORDER BY d.record_id, s.substance
`

const coQuery = `-- name: load_sud_primary_mh_secondary_v2
WITH mh_union AS (
  SELECT record_id, mh_diagnosis AS mh_dx, '' AS mh_pos FROM legacy_mh
),
base AS (
  SELECT d.record_id, s.substance, d.county, d.region, d.zip, d.residency,
         d.age_group, d.sex, d.calendar_year
  FROM demographics d
  JOIN substances s ON s.record_id = d.record_id
)
SELECT b.record_id, b.substance, m.mh_dx AS mh_diagnosis, b.county, b.region,
       b.zip, b.residency, b.age_group, b.sex, b.calendar_year
FROM base b
JOIN mh_union m ON m.record_id = b.record_id
ORDER BY b.record_id, b.substance
`

type fixture struct {
	svc *Service
	db  *storage.DB
}

func setup(t *testing.T, queries string, extra ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE demographics (record_id INTEGER, county TEXT, region TEXT, zip TEXT,
			residency TEXT, age_group TEXT, sex TEXT, calendar_year TEXT)`,
		`INSERT INTO demographics VALUES
			(1, 'Kent', 'South', '19901', 'In state', '18-25', 'F', '2019'),
			(2, 'Sussex', 'South', '19947', 'In state', '26-35', 'M', '2020'),
			(3, 'Kent', 'South', '19901', 'Out of state', 'Unknown', 'F', '2021'),
			(4, 'Kent', 'South', '19901', 'In state', '36-45', 'M', '2015')`,
		`CREATE TABLE substances (record_id INTEGER, substance TEXT)`,
		`INSERT INTO substances VALUES (1, 'Alcohol'), (1, 'Opioids'), (2, 'Alcohol'), (3, 'Cannabis'), (4, 'Alcohol')`,
	}
	for _, s := range append(stmts, extra...) {
		_, err := db.Exec(ctx, s)
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "queries.sql")
	require.NoError(t, os.WriteFile(path, []byte(queries), 0o644))

	cfg := &config.Config{
		Database:    config.Database{Backend: storage.BackendSQLite},
		QueriesPath: path,
		LogLevel:    "info",
		LogFormat:   "text",
		YearMin:     2018,
		YearMax:     2024,
	}
	svc, err := New(ctx, cfg, WithDB(db), WithLogger(log.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &fixture{svc: svc, db: db}
}

var withMH = []string{
	`CREATE TABLE mh_diagnoses (record_id INTEGER, mh_dx TEXT)`,
	`INSERT INTO mh_diagnoses VALUES (1, 'Anxiety'), (2, '   '), (2, 'Depression')`,
}

func TestService_CooccurringFallback(t *testing.T) {
	f := setup(t, mainQuery+coQuery)

	ds, st, err := f.svc.Dataset(context.Background(), view.KeyCo)
	require.NoError(t, err)
	require.NotNil(t, st.Patch)
	assert.True(t, st.Patch.Fallback)
	assert.Equal(t, "NONE (fallback: 'Unknown')", st.MHSource())
	assert.Contains(t, st.SQL, "LEFT JOIN mh_union m")

	// Record 3 has an unknown age, record 4 is outside the year window.
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 2, ds.Unique())
	assert.Equal(t, []string{cohort.Unknown}, ds.Options("mh_diagnosis"))
}

func TestService_CooccurringFoundSource(t *testing.T) {
	f := setup(t, mainQuery+coQuery, withMH...)

	ds, st, err := f.svc.Dataset(context.Background(), view.KeyCo)
	require.NoError(t, err)
	assert.False(t, st.Patch.Fallback)
	assert.Equal(t, "mh_diagnoses.mh_dx", st.MHSource())
	assert.Contains(t, st.SQL, "\nJOIN mh_union m")

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []string{"Anxiety", "Depression"}, ds.Options("mh_diagnosis"))

	m := ds.Cooccurrence("mh_diagnosis", "substance", 0)
	assert.Equal(t, []string{"Anxiety", "Depression"}, m.Rows)
	assert.Equal(t, []string{"Alcohol", "Opioids"}, m.Columns)
	assert.Equal(t, 1, m.At("Depression", "Alcohol"))
	assert.Equal(t, 0, m.At("Depression", "Opioids"))
}

func TestService_EmptyResultNamesSource(t *testing.T) {
	f := setup(t, mainQuery+coQuery,
		`CREATE TABLE mh_diagnoses (record_id INTEGER, mh_dx TEXT)`,
		`INSERT INTO mh_diagnoses VALUES (99, 'Anxiety')`,
	)

	_, st, err := f.svc.Dataset(context.Background(), view.KeyCo)
	require.Error(t, err)
	require.NotNil(t, st)
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeEmptyResult))
	assert.Contains(t, err.Error(), `query "load_sud_primary_mh_secondary_v2" returned 0 rows`)
	assert.Contains(t, err.Error(), "MH source: mh_diagnoses.mh_dx")
}

func TestService_PolysubstanceFallsBackToMain(t *testing.T) {
	f := setup(t, mainQuery)

	ds, st, err := f.svc.Dataset(context.Background(), view.KeyPoly)
	require.NoError(t, err)
	assert.Equal(t, "load_main_data", st.Query)
	assert.Nil(t, st.Patch)
	assert.Empty(t, st.MHSource())

	// Polysubstance rules drop the unknown age; the window drops 2015.
	assert.Equal(t, 3, ds.Len())
}

func TestService_StatementUnknownView(t *testing.T) {
	f := setup(t, mainQuery)

	_, err := f.svc.Statement(context.Background(), "mobile")
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeViewNotFound))

	_, err = f.svc.Statement(context.Background(), view.KeyCo)
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeViewUnavailable))
}

func TestService_Views(t *testing.T) {
	f := setup(t, mainQuery)

	avail, err := f.svc.Views(context.Background())
	require.NoError(t, err)
	require.Len(t, avail, 3)
	assert.Equal(t, "load_main_data", avail[1].Query)
	assert.False(t, avail[2].Available())
	assert.Empty(t, view.Missing(avail))
}

func TestService_QueryAndCatalog(t *testing.T) {
	f := setup(t, mainQuery+coQuery)
	ctx := context.Background()

	c, err := f.svc.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"load_main_data", "load_sud_primary_mh_secondary_v2"}, c.Names())

	body, err := f.svc.Query(ctx, "load_main_data")
	require.NoError(t, err)
	assert.Contains(t, body, "FROM demographics d")

	_, err = f.svc.Query(ctx, "load_missing")
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeQueryNotFound))
}

func TestService_Inspect(t *testing.T) {
	f := setup(t, mainQuery, withMH...)

	ins, err := f.svc.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", ins.Backend)
	assert.NotEmpty(t, ins.Version)
	assert.Len(t, ins.Tables, 3)
	require.NotNil(t, ins.MHSource)
	assert.Equal(t, "mh_diagnoses.mh_dx", ins.MHSource.String())

	f = setup(t, mainQuery)
	ins, err = f.svc.Inspect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ins.MHSource)
}

func TestService_Summarize(t *testing.T) {
	f := setup(t, mainQuery)

	sum, err := f.svc.Summarize(context.Background(), view.KeyAlt, cohort.Filter{"county": "Kent"})
	require.NoError(t, err)
	assert.Equal(t, "load_main_data", sum.Query)
	assert.Empty(t, sum.MHSource)

	// Record 1 twice and record 3; record 4 is outside the window.
	assert.Equal(t, 3, sum.Rows)
	assert.Equal(t, 2, sum.Records)

	// Options ignore the filter.
	assert.Equal(t, []string{"Kent", "Sussex"}, sum.Options["county"])
	assert.Equal(t, []string{"2019", "2020", "2021"}, sum.Options[cohort.YearColumn])

	require.NotNil(t, sum.Matrix)
	assert.Equal(t, []string{"2019", "2021"}, sum.Matrix.Rows)
	assert.Equal(t, []string{"Kent"}, sum.Matrix.Columns)

	shares := sum.Facets["substance"]
	require.Len(t, shares, 3)
	assert.Equal(t, "Alcohol", shares[0].Value)
}

func TestService_Ping(t *testing.T) {
	f := setup(t, mainQuery)
	version, err := f.svc.Ping(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, version)
}

func TestNewLogger_RejectsBadLevel(t *testing.T) {
	_, err := NewLogger(&config.Config{LogLevel: "loud", LogFormat: "text"}, nil)
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeConfigInvalid))
}
