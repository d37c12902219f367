// Package patch rewrites the mh_union sub-block of a catalog statement so
// it runs against whatever mental-health source the connected database
// actually has.
package patch

import (
	"context"
	"fmt"

	"github.com/ha1tch/discharge/pkg/log"
	"github.com/ha1tch/discharge/pkg/schema"
	"github.com/ha1tch/discharge/pkg/storage"
)

// Marker names the placeholder sub-block.
const Marker = "mh_union"

// UnknownTable backs the synthetic 'Unknown' source.
const UnknownTable = "demographics"

// SourceBody returns the mh_union body selecting non-blank values of the
// detected column.
func SourceBody(src schema.Source, backend storage.Backend) string {
	table := backend.QuoteIdent(src.Table)
	col := backend.QuoteIdent(src.Column)
	return fmt.Sprintf(`SELECT
        record_id,
        TRIM(%[2]s) AS mh_dx,
        '' AS mh_pos
      FROM %[1]s
      WHERE %[2]s IS NOT NULL AND TRIM(%[2]s) <> ''`, table, col)
}

// UnknownBody is the mh_union body used when no source exists: one
// 'Unknown' row per demographic record.
const UnknownBody = `SELECT
        record_id,
        'Unknown' AS mh_dx,
        '' AS mh_pos
      FROM ` + UnknownTable

// WithSource points the mh_union block at src. Joins are left as written.
func WithSource(sql string, src schema.Source, backend storage.Backend) (string, bool) {
	return Replace(sql, Marker, SourceBody(src, backend))
}

// ToUnknown substitutes the synthetic source and turns every join against
// mh_union into a LEFT JOIN. If the block is missing the statement is
// returned untouched, joins included.
func ToUnknown(sql string) (string, bool) {
	out, ok := Replace(sql, Marker, UnknownBody)
	if !ok {
		return sql, false
	}
	out, _ = LeftJoin(out, Marker)
	return out, true
}

// Result describes one patch operation.
type Result struct {
	SQL string

	// Source is the detected source; zero when Fallback is set.
	Source schema.Source

	// Fallback is set when no source was detected and 'Unknown' was used.
	Fallback bool

	// Applied is false when the mh_union block was not found and SQL is
	// the input unchanged.
	Applied bool

	// JoinsRewritten counts joins changed to LEFT JOIN.
	JoinsRewritten int
}

// SourceLabel renders the source for logs and error messages.
func (r Result) SourceLabel() string {
	if r.Fallback {
		return "NONE (fallback: 'Unknown')"
	}
	return r.Source.String()
}

// Patcher detects the source and rewrites statements.
type Patcher struct {
	detector *schema.Detector
	backend  storage.Backend
	logger   *log.Logger
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithDetector overrides the candidate lists.
func WithDetector(d *schema.Detector) Option {
	return func(p *Patcher) {
		p.detector = d
	}
}

// WithBackend sets the dialect used to quote identifiers.
func WithBackend(b storage.Backend) Option {
	return func(p *Patcher) {
		p.backend = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Patcher) {
		p.logger = l
	}
}

// New creates a Patcher for SQLite with the default detector.
func New(opts ...Option) *Patcher {
	p := &Patcher{
		detector: schema.NewDetector(),
		backend:  storage.BackendSQLite,
		logger:   log.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Patch introspects the source through in and rewrites sql. Introspection
// errors are returned unchanged.
func (p *Patcher) Patch(ctx context.Context, sql string, in schema.Introspector) (Result, error) {
	src, found, err := p.detector.Detect(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return p.Apply(sql, src, found), nil
}

// Apply rewrites sql for an already detected source.
func (p *Patcher) Apply(sql string, src schema.Source, found bool) Result {
	var res Result
	if found {
		res.Source = src
		res.SQL, res.Applied = Replace(sql, Marker, SourceBody(src, p.backend))
	} else {
		res.Fallback = true
		res.SQL, res.Applied = Replace(sql, Marker, UnknownBody)
		if res.Applied {
			res.SQL, res.JoinsRewritten = LeftJoin(res.SQL, Marker)
		}
	}

	if !res.Applied {
		p.logger.Schema().Warn("mh_union block not found, statement left unchanged",
			"mh_source", res.SourceLabel())
		return res
	}
	p.logger.Schema().Info("mh_union patched",
		"mh_source", res.SourceLabel(),
		"fallback", res.Fallback,
		"joins_rewritten", res.JoinsRewritten)
	return res
}
