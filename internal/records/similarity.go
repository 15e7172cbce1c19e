package records

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultThreshold is the similarity at or above which two titles are duplicates.
const DefaultThreshold = 0.8

var folder = cases.Fold()

// NormalizeTitle applies NFKC, Unicode case folding and whitespace collapsing.
func NormalizeTitle(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Similarity returns 1 - d/max(|a|,|b|) where d is the rune-level Levenshtein
// distance between the normalized titles. Identical titles score 1, titles
// with nothing in common score 0.
func Similarity(a, b string) float64 {
	return normalizedRatio(NormalizeTitle(a), NormalizeTitle(b))
}

func normalizedRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// ratioUpperBound is the best score two strings of these lengths can reach:
// the distance is at least the length difference.
func ratioUpperBound(la, lb int) float64 {
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return float64(min(la, lb)) / float64(longest)
}
