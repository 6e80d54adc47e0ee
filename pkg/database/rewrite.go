package database

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The rewriter turns canonical (SQLite-dialect) SQL into Postgres SQL. It
// is a character scanner with five states (normal text, 'string',
// "quoted identifier", -- line comment, /* block comment */) and only
// touches normal text. It handles exactly three constructs:
//
//	?                    → $1..$n   (numbered placeholders)
//	datetime('now' ...)  → NOW() / (NOW() ± INTERVAL 'N unit')
//	INSERT OR IGNORE     → INSERT ... ON CONFLICT DO NOTHING
//
// A bare "?|" or "?&" in normal text is rejected: on Postgres those are
// JSONB operators and silently numbering them would corrupt the query.
// Everything else is the call site's job, via an explicit Dialect branch.

type scanState int

const (
	stateNormal scanState = iota
	stateString
	stateQuotedIdent
	stateLineComment
	stateBlockComment
)

// Rewrite translates canonical SQL for the target dialect. The native
// dialect returns the text unchanged.
func Rewrite(dialect Dialect, query string) (string, error) {
	if dialect != DialectPostgres {
		return query, nil
	}
	return rewritePostgres(query)
}

func rewritePostgres(query string) (string, error) {
	var out strings.Builder
	out.Grow(len(query) + 16)

	state := stateNormal
	placeholder := 0
	needOnConflict := false
	returningAt := -1

	i := 0
	for i < len(query) {
		c := query[i]

		switch state {
		case stateNormal:
			switch {
			case c == '\'':
				state = stateString
				out.WriteByte(c)
				i++
			case c == '"':
				state = stateQuotedIdent
				out.WriteByte(c)
				i++
			case c == '-' && i+1 < len(query) && query[i+1] == '-':
				state = stateLineComment
				out.WriteString("--")
				i += 2
			case c == '/' && i+1 < len(query) && query[i+1] == '*':
				state = stateBlockComment
				out.WriteString("/*")
				i += 2
			case c == '?':
				if i+1 < len(query) && (query[i+1] == '|' || query[i+1] == '&') {
					return "", errors.Errorf(
						"database: %q is ambiguous with a Postgres JSONB operator; use an explicit dialect branch",
						query[i:i+2])
				}
				placeholder++
				out.WriteByte('$')
				out.WriteString(strconv.Itoa(placeholder))
				i++
			default:
				if consumed := matchInsertOrIgnore(query, i); consumed > 0 {
					out.WriteString("INSERT")
					needOnConflict = true
					i += consumed
					continue
				}
				if repl, consumed, ok := matchDatetime(query, i); ok {
					out.WriteString(repl)
					i += consumed
					continue
				}
				if keywordAt(query, i, "returning") {
					returningAt = out.Len()
				}
				out.WriteByte(c)
				i++
			}

		case stateString:
			out.WriteByte(c)
			if c == '\'' {
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte('\'')
					i += 2
					continue
				}
				state = stateNormal
			}
			i++

		case stateQuotedIdent:
			out.WriteByte(c)
			if c == '"' {
				if i+1 < len(query) && query[i+1] == '"' {
					out.WriteByte('"')
					i += 2
					continue
				}
				state = stateNormal
			}
			i++

		case stateLineComment:
			out.WriteByte(c)
			if c == '\n' {
				state = stateNormal
			}
			i++

		case stateBlockComment:
			if c == '*' && i+1 < len(query) && query[i+1] == '/' {
				out.WriteString("*/")
				state = stateNormal
				i += 2
				continue
			}
			out.WriteByte(c)
			i++
		}
	}

	result := out.String()
	if needOnConflict {
		clause := "ON CONFLICT DO NOTHING"
		if returningAt >= 0 {
			result = result[:returningAt] + clause + " " + result[returningAt:]
		} else {
			result = strings.TrimRight(result, " \t\n;") + " " + clause
		}
	}
	return result, nil
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSpaceChar(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// keywordAt reports whether the keyword starts at i on word boundaries,
// case-insensitively.
func keywordAt(s string, i int, keyword string) bool {
	end := i + len(keyword)
	if end > len(s) {
		return false
	}
	if !strings.EqualFold(s[i:end], keyword) {
		return false
	}
	if i > 0 && isWordChar(s[i-1]) {
		return false
	}
	if end < len(s) && isWordChar(s[end]) {
		return false
	}
	return true
}

// matchInsertOrIgnore matches the three-word sequence INSERT OR IGNORE with
// arbitrary whitespace between words. Returns the consumed length through
// IGNORE, or 0.
func matchInsertOrIgnore(s string, i int) int {
	j := i
	words := []string{"insert", "or", "ignore"}
	for n, word := range words {
		if !keywordAt(s, j, word) {
			return 0
		}
		j += len(word)
		if n == len(words)-1 {
			break
		}
		k := j
		for k < len(s) && isSpaceChar(s[k]) {
			k++
		}
		if k == j {
			return 0
		}
		j = k
	}
	return j - i
}

var intervalModifier = regexp.MustCompile(`(?i)^'([+-])(\d+)\s+(second|minute|hour|day|month|year)s?'$`)

// matchDatetime handles datetime('now') and datetime('now', '±N unit').
// Unrecognized datetime() forms are left for the call site's dialect
// branch.
func matchDatetime(s string, i int) (string, int, bool) {
	if !keywordAt(s, i, "datetime") {
		return "", 0, false
	}
	j := i + len("datetime")
	for j < len(s) && isSpaceChar(s[j]) {
		j++
	}
	if j >= len(s) || s[j] != '(' {
		return "", 0, false
	}

	// Scan to the matching close paren, respecting quoted strings.
	depth := 0
	k := j
	inString := false
	for k < len(s) {
		c := s[k]
		if inString {
			if c == '\'' {
				if k+1 < len(s) && s[k+1] == '\'' {
					k += 2
					continue
				}
				inString = false
			}
			k++
			continue
		}
		switch c {
		case '\'':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				args := splitArgs(s[j+1 : k])
				repl, ok := datetimeReplacement(args)
				if !ok {
					return "", 0, false
				}
				return repl, k + 1 - i, true
			}
		}
		k++
	}
	return "", 0, false
}

func splitArgs(inner string) []string {
	var args []string
	var current strings.Builder
	depth := 0
	inString := false
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if inString {
			current.WriteByte(c)
			if c == '\'' {
				if i+1 < len(inner) && inner[i+1] == '\'' {
					current.WriteByte('\'')
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
			current.WriteByte(c)
		case '(':
			depth++
			current.WriteByte(c)
		case ')':
			depth--
			current.WriteByte(c)
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(current.String()))
				current.Reset()
				continue
			}
			current.WriteByte(c)
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		args = append(args, strings.TrimSpace(current.String()))
	}
	return args
}

func datetimeReplacement(args []string) (string, bool) {
	if len(args) == 0 || !strings.EqualFold(args[0], "'now'") {
		return "", false
	}
	if len(args) == 1 {
		return "NOW()", true
	}
	if len(args) != 2 {
		return "", false
	}
	m := intervalModifier.FindStringSubmatch(args[1])
	if m == nil {
		return "", false
	}
	sign := "+"
	if m[1] == "-" {
		sign = "-"
	}
	unit := strings.ToLower(m[3])
	amount := m[2]
	plural := unit
	if amount != "1" {
		plural += "s"
	}
	return "(NOW() " + sign + " INTERVAL '" + amount + " " + plural + "')", true
}

// statementShape describes what Insert needs to know about a statement.
type statementShape struct {
	IsInsert     bool
	HasReturning bool
	MultiValues  bool
}

// analyzeStatement classifies a statement with the same five-state scan the
// rewriter uses. MultiValues detects a top-level "), (" sequence, which in
// an INSERT can only be a multi-row VALUES list.
func analyzeStatement(query string) statementShape {
	var shape statementShape
	state := stateNormal
	depth := 0
	sawFirstToken := false

	i := 0
	for i < len(query) {
		c := query[i]
		switch state {
		case stateNormal:
			switch {
			case c == '\'':
				state = stateString
				i++
			case c == '"':
				state = stateQuotedIdent
				i++
			case c == '-' && i+1 < len(query) && query[i+1] == '-':
				state = stateLineComment
				i += 2
			case c == '/' && i+1 < len(query) && query[i+1] == '*':
				state = stateBlockComment
				i += 2
			case c == '(':
				depth++
				i++
			case c == ')':
				depth--
				i++
				if depth == 0 {
					// Peek for ", (", the start of another VALUES row.
					j := i
					for j < len(query) && isSpaceChar(query[j]) {
						j++
					}
					if j < len(query) && query[j] == ',' {
						j++
						for j < len(query) && isSpaceChar(query[j]) {
							j++
						}
						if j < len(query) && query[j] == '(' {
							shape.MultiValues = true
						}
					}
				}
			case isWordChar(c):
				if !sawFirstToken {
					sawFirstToken = true
					if keywordAt(query, i, "insert") {
						shape.IsInsert = true
					}
				}
				if keywordAt(query, i, "returning") {
					shape.HasReturning = true
				}
				for i < len(query) && isWordChar(query[i]) {
					i++
				}
			default:
				i++
			}
		case stateString:
			if c == '\'' {
				if i+1 < len(query) && query[i+1] == '\'' {
					i += 2
					continue
				}
				state = stateNormal
			}
			i++
		case stateQuotedIdent:
			if c == '"' {
				if i+1 < len(query) && query[i+1] == '"' {
					i += 2
					continue
				}
				state = stateNormal
			}
			i++
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
			}
			i++
		case stateBlockComment:
			if c == '*' && i+1 < len(query) && query[i+1] == '/' {
				state = stateNormal
				i += 2
				continue
			}
			i++
		}
	}
	return shape
}

// SplitStatements breaks a script on semicolons outside strings, quoted
// identifiers, and comments. Empty fragments are dropped. The migration
// runner needs statement granularity so a duplicate-column ALTER can be
// skipped individually.
func SplitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	state := stateNormal

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	i := 0
	for i < len(script) {
		c := script[i]
		switch state {
		case stateNormal:
			switch {
			case c == ';':
				flush()
				i++
				continue
			case c == '\'':
				state = stateString
			case c == '"':
				state = stateQuotedIdent
			case c == '-' && i+1 < len(script) && script[i+1] == '-':
				state = stateLineComment
				current.WriteString("--")
				i += 2
				continue
			case c == '/' && i+1 < len(script) && script[i+1] == '*':
				state = stateBlockComment
				current.WriteString("/*")
				i += 2
				continue
			}
			current.WriteByte(c)
			i++
		case stateString:
			current.WriteByte(c)
			if c == '\'' {
				if i+1 < len(script) && script[i+1] == '\'' {
					current.WriteByte('\'')
					i += 2
					continue
				}
				state = stateNormal
			}
			i++
		case stateQuotedIdent:
			current.WriteByte(c)
			if c == '"' {
				if i+1 < len(script) && script[i+1] == '"' {
					current.WriteByte('"')
					i += 2
					continue
				}
				state = stateNormal
			}
			i++
		case stateLineComment:
			current.WriteByte(c)
			if c == '\n' {
				state = stateNormal
			}
			i++
		case stateBlockComment:
			if c == '*' && i+1 < len(script) && script[i+1] == '/' {
				current.WriteString("*/")
				state = stateNormal
				i += 2
				continue
			}
			current.WriteByte(c)
			i++
		}
	}
	flush()
	return statements
}
