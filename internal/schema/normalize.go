package schema

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalize converts a raw column name into an API-safe entity name. The
// result depends only on raw.
//
// The name is camel cased, stripped of everything but letters, digits and
// spaces, spaces become underscores and the first rune is lower cased. A raw
// name starting with a digit is prefixed with "_N_"; otherwise a leading run
// of one, two, or three or more underscores is recorded as "_1_", "_2_" or
// "_3_".
func Normalize(raw string) string {
	name := lowerFirst(identifier(raw))

	if r, _ := utf8.DecodeRuneInString(raw); unicode.IsDigit(r) {
		return "_N_" + name
	}
	switch n := leadingUnderscores(raw); {
	case n >= 3:
		return "_3_" + name
	case n == 2:
		return "_2_" + name
	case n == 1:
		return "_1_" + name
	}
	return name
}

// TableNames derives the camel and Pascal entity names of a table (or
// routine). The schema name is folded in unless ignoreSchema is set.
func TableNames(schemaName, table string, ignoreSchema bool) (camel, pascal string) {
	base := identifier(table)
	if !ignoreSchema && strings.TrimSpace(schemaName) != "" {
		base = upperFirst(identifier(schemaName)) + upperFirst(base)
	}
	return lowerFirst(base), upperFirst(base)
}

// CamelCase removes '_', '-' and '.' separators and upper cases the rune
// following each run. Other runes, spaces included, are kept.
func CamelCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upperNext := false
	for _, r := range s {
		if isSeparator(r) {
			upperNext = true
			continue
		}
		if upperNext {
			r = unicode.ToUpper(r)
			upperNext = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// identifier applies camel casing, character stripping and space
// replacement without touching the case of the first rune.
func identifier(raw string) string {
	camel := CamelCase(raw)
	var b strings.Builder
	b.Grow(len(camel))
	for _, r := range camel {
		switch {
		case r == ' ':
			b.WriteByte('_')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSeparator(r rune) bool {
	return r == '_' || r == '-' || r == '.'
}

func leadingUnderscores(s string) int {
	n := 0
	for n < len(s) && s[n] == '_' {
		n++
	}
	return n
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
