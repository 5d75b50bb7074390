package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeSQL marks generated SQL the guard refuses to execute.
var ErrUnsafeSQL = errors.New("query: unsafe sql")

// DefaultLimit is appended to statements that carry no LIMIT of their own.
const DefaultLimit = 1000

// forbiddenKeywords are rejected anywhere outside quotes. Words that are also
// PostgreSQL function names, such as replace(), are left to the read-only
// transaction.
var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE",
	"CREATE", "GRANT", "REVOKE", "PROCEDURE", "EXEC", "EXECUTE",
	"MERGE", "COPY",
}

var (
	forbiddenRe = regexp.MustCompile(`\b(` + strings.Join(forbiddenKeywords, "|") + `)\b`)
	limitRe     = regexp.MustCompile(`\bLIMIT\b`)
	leadingRe   = regexp.MustCompile(`^(SELECT|WITH)\b`)
)

// Sanitize validates generated SQL and returns the statement to execute.
// Comments are stripped and whitespace collapsed, keyword checks ignore the
// contents of string literals and quoted identifiers, a single trailing
// semicolon is dropped, and LIMIT 1000 is appended when no LIMIT is present.
func Sanitize(sql string) (string, error) {
	clean, masked := scan(sql)
	if clean == "" {
		return "", fmt.Errorf("%w: empty statement", ErrUnsafeSQL)
	}

	upper := strings.ToUpper(masked)
	if kw := forbiddenRe.FindString(upper); kw != "" {
		return "", fmt.Errorf("%w: forbidden keyword %s", ErrUnsafeSQL, kw)
	}

	if i := strings.IndexByte(masked, ';'); i >= 0 {
		if i != len(masked)-1 {
			return "", fmt.Errorf("%w: multiple statements are not allowed", ErrUnsafeSQL)
		}
		clean = strings.TrimSpace(strings.TrimSuffix(clean, ";"))
		upper = strings.TrimSpace(strings.TrimSuffix(upper, ";"))
	}

	if !leadingRe.MatchString(upper) {
		return "", fmt.Errorf("%w: only SELECT statements are allowed", ErrUnsafeSQL)
	}

	if !limitRe.MatchString(upper) {
		clean = fmt.Sprintf("%s LIMIT %d", clean, DefaultLimit)
	}
	return clean, nil
}

// scan removes comments and collapses whitespace. It returns the cleaned
// statement and a copy in which quoted text is replaced by underscores.
func scan(sql string) (string, string) {
	var clean, masked strings.Builder
	src := []rune(sql)
	space := false
	emit := func(r rune, mask rune) {
		if space && clean.Len() > 0 {
			clean.WriteByte(' ')
			masked.WriteByte(' ')
		}
		space = false
		clean.WriteRune(r)
		masked.WriteRune(mask)
	}

	for i := 0; i < len(src); i++ {
		r := src[i]
		switch {
		case r == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			space = true
		case r == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i < len(src) && !(src[i] == '*' && i+1 < len(src) && src[i+1] == '/') {
				i++
			}
			i++
			space = true
		case r == '\'' || r == '"':
			quote := r
			emit(r, r)
			for i++; i < len(src); i++ {
				if src[i] == quote {
					if i+1 < len(src) && src[i+1] == quote {
						emit(src[i], '_')
						i++
						emit(src[i], '_')
						continue
					}
					break
				}
				emit(src[i], '_')
			}
			if i < len(src) {
				emit(quote, quote)
			}
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v':
			space = true
		default:
			emit(r, r)
		}
	}
	return clean.String(), masked.String()
}
