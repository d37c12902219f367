// Package catalog parses and serves named SQL statements.
//
// A catalog resource is plain text in which every statement is preceded by
// a marker line:
//
//	-- name: load_main_data
//	SELECT ...
//
//	-- name: count_by_sex_distinct
//	SELECT ...
//
// The text following the marker up to the end of its line is the name; the
// rest of the block, up to the next marker, is the body. There is no
// escaping: a body cannot contain the marker.
package catalog

import (
	"strings"
	"unicode/utf8"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
)

// Marker introduces every named block.
const Marker = "-- name:"

// Query is one named statement.
type Query struct {
	Name string `yaml:"name"`
	Body string `yaml:"body"`
}

// Catalog maps names to statement bodies. A later block with the same name
// replaces an earlier one; Names keeps the position of the first.
type Catalog struct {
	order      []string
	bodies     map[string]string
	duplicates []string
}

// Parse splits text into named blocks. It fails only when text is not
// valid UTF-8.
func Parse(text string) (*Catalog, error) {
	if !utf8.ValidString(text) {
		return nil, dxerrors.New(dxerrors.ErrCodeCatalogRead, "catalog is not valid UTF-8 text").
			WithOp("catalog.Parse").
			Err()
	}
	text = strings.TrimPrefix(text, "\uFEFF")

	c := &Catalog{bodies: make(map[string]string)}
	for _, block := range strings.Split(text, Marker) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		name, body := block, ""
		if nl := strings.IndexByte(block, '\n'); nl >= 0 {
			name, body = block[:nl], block[nl+1:]
		}
		c.add(strings.TrimSpace(name), strings.TrimSpace(body))
	}
	return c, nil
}

func (c *Catalog) add(name, body string) {
	if _, exists := c.bodies[name]; exists {
		c.duplicates = append(c.duplicates, name)
	} else {
		c.order = append(c.order, name)
	}
	c.bodies[name] = body
}

// Lookup returns the body registered under name.
func (c *Catalog) Lookup(name string) (string, bool) {
	body, ok := c.bodies[name]
	return body, ok
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.bodies[name]
	return ok
}

// Names returns the registered names in order of first appearance.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Len returns the number of distinct names.
func (c *Catalog) Len() int {
	return len(c.order)
}

// Duplicates returns every name that was registered more than once, once
// per extra registration.
func (c *Catalog) Duplicates() []string {
	return append([]string(nil), c.duplicates...)
}

// Queries returns every query in name order of first appearance.
func (c *Catalog) Queries() []Query {
	out := make([]Query, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, Query{Name: name, Body: c.bodies[name]})
	}
	return out
}
