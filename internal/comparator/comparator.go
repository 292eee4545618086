// Package comparator decides whether two HTTP response bodies are
// "different enough" to count as a boolean-blind or union divergence
// signal.
package comparator

import (
	"math"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	lenThreshold   = 0.02
	ratioThreshold = 0.90
	minLenDelta    = 50
)

// Differ reports true iff a and b differ by more than noise: either the
// absolute length delta exceeds max(50, 2% of the larger body), or the
// difflib QuickRatio similarity falls below 0.90. An empty body on either
// side is inconclusive and always reports false.
func Differ(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	la, lb := len(a), len(b)
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}

	delta := la - lb
	if delta < 0 {
		delta = -delta
	}

	if float64(delta) > math.Max(minLenDelta, lenThreshold*float64(maxLen)) {
		return true
	}

	sm := difflib.NewMatcher(splitChars(a), splitChars(b))
	return sm.QuickRatio() < ratioThreshold
}

// splitChars breaks a string into single-rune strings, which is what
// difflib.SequenceMatcher expects in place of Python's character-wise
// string comparison.
func splitChars(s string) []string {
	runes := []rune(s)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}
