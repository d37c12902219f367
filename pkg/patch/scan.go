package patch

import "strings"

type tokenKind int

const (
	tokWord   tokenKind = iota // identifier, keyword or number
	tokQuoted                  // string literal or quoted identifier
	tokPunct                   // any other single byte
)

type token struct {
	kind       tokenKind
	start, end int
}

// tokenize splits a statement into words, quoted runs and punctuation.
// Whitespace and comments separate tokens and are not returned. An
// unterminated literal or comment runs to the end of the input.
func tokenize(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case isSpace(c):
			i++

		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				i = len(s)
			} else {
				i += nl + 1
			}

		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += 2 + end + 2
			}

		case c == '\'' || c == '"' || c == '`':
			j := skipQuoted(s, i, c)
			toks = append(toks, token{kind: tokQuoted, start: i, end: j})
			i = j

		case c == '[':
			j := skipQuoted(s, i, ']')
			toks = append(toks, token{kind: tokQuoted, start: i, end: j})
			i = j

		case isWordByte(c):
			j := i + 1
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, start: i, end: j})
			i = j

		default:
			toks = append(toks, token{kind: tokPunct, start: i, end: i + 1})
			i++
		}
	}
	return toks
}

// skipQuoted returns the index just past the run opened at s[i] and closed
// by closer. A doubled closer is an escaped literal closer.
func skipQuoted(s string, i int, closer byte) int {
	j := i + 1
	for j < len(s) {
		if s[j] == closer {
			if j+1 < len(s) && s[j+1] == closer {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(s)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c == '#' || c == '@' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c >= 0x80
}

func (t token) text(s string) string {
	return s[t.start:t.end]
}

func (t token) isWord(s, w string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text(s), w)
}

func (t token) isPunct(s string, c byte) bool {
	return t.kind == tokPunct && s[t.start] == c
}

// Block is the location of a `name AS ( ... )` sub-block.
type Block struct {
	Name  int // offset of the block name
	Open  int // offset of '('
	Close int // offset of the matching ')'

	// Body is the span between the parentheses without the whitespace
	// directly inside them.
	BodyStart int
	BodyEnd   int
}

// Locate finds the first `name AS (` sub-block whose parentheses balance.
// The name is matched as a whole word, case-insensitively. Parentheses
// inside literals, quoted identifiers and comments are ignored.
func Locate(sql, name string) (Block, bool) {
	toks := tokenize(sql)
	for i := 0; i+2 < len(toks); i++ {
		if !toks[i].isWord(sql, name) || !toks[i+1].isWord(sql, "AS") || !toks[i+2].isPunct(sql, '(') {
			continue
		}
		closeIdx, ok := matchParen(sql, toks, i+2)
		if !ok {
			return Block{}, false
		}
		b := Block{
			Name:  toks[i].start,
			Open:  toks[i+2].start,
			Close: toks[closeIdx].start,
		}
		b.BodyStart, b.BodyEnd = trimSpan(sql, b.Open+1, b.Close)
		return b, true
	}
	return Block{}, false
}

// matchParen returns the index of the token closing the '(' at toks[open].
func matchParen(sql string, toks []token, open int) (int, bool) {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch {
		case toks[i].isPunct(sql, '('):
			depth++
		case toks[i].isPunct(sql, ')'):
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func trimSpan(s string, start, end int) (int, int) {
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return start, end
}

// Replace substitutes body for the first balanced `name AS ( ... )` body.
// Everything outside the body span is kept byte for byte. When the block
// cannot be located sql is returned unchanged and ok is false.
func Replace(sql, name, body string) (out string, ok bool) {
	b, ok := Locate(sql, name)
	if !ok {
		return sql, false
	}
	return sql[:b.BodyStart] + body + sql[b.BodyEnd:], true
}

// LeftJoin rewrites every join against name to LEFT JOIN, absorbing an
// existing INNER, LEFT, RIGHT or FULL [OUTER] qualifier. CROSS joins carry
// no join condition and are left alone. It returns the rewritten text and
// the number of joins changed.
func LeftJoin(sql, name string) (string, int) {
	toks := tokenize(sql)

	type span struct{ start, end int }
	var edits []span
	for i := 0; i+1 < len(toks); i++ {
		if !toks[i].isWord(sql, "JOIN") || !toks[i+1].isWord(sql, name) {
			continue
		}
		start := i
		if start > 0 && toks[start-1].isWord(sql, "OUTER") {
			start--
		}
		if start > 0 {
			prev := toks[start-1]
			switch {
			case prev.isWord(sql, "CROSS"):
				continue
			case prev.isWord(sql, "INNER") && start == i,
				prev.isWord(sql, "LEFT"),
				prev.isWord(sql, "RIGHT"),
				prev.isWord(sql, "FULL"):
				start--
			}
		}
		// Already in canonical form.
		if start == i-1 && toks[start].text(sql) == "LEFT" && toks[i].text(sql) == "JOIN" &&
			sql[toks[start].end:toks[i].start] == " " {
			continue
		}
		edits = append(edits, span{toks[start].start, toks[i].end})
	}
	if len(edits) == 0 {
		return sql, 0
	}

	var sb strings.Builder
	sb.Grow(len(sql) + 8*len(edits))
	last := 0
	for _, e := range edits {
		sb.WriteString(sql[last:e.start])
		sb.WriteString("LEFT JOIN")
		last = e.end
	}
	sb.WriteString(sql[last:])
	return sb.String(), len(edits)
}
