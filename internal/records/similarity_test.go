package records

import (
	"math"
	"testing"
)

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"  Hello   World ", "hello world"},
		{"ＡＢＣ news", "abc news"}, // full-width folds under NFKC
		{"Straße", "strasse"},
		{"\tline\nbreak", "line break"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTitle(tc.in); got != tc.want {
			t.Fatalf("NormalizeTitle(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b     string
		min, max float64
	}{
		{"Apple launches new iPhone", "apple launches new iphone", 1, 1},
		{"Apple launches new iPhone", "Apple launches new iPhone!", 0.95, 0.97},
		{"abc", "abd", 0.66, 0.67},
		{"Apple launches new iPhone", "Stocks fall sharply in Asia", 0, 0.3},
		{"", "", 1, 1},
		{"a", "", 0, 0},
	}
	for _, tc := range cases {
		got := Similarity(tc.a, tc.b)
		if got < tc.min || got > tc.max {
			t.Fatalf("Similarity(%q,%q)=%.4f want [%.2f,%.2f]", tc.a, tc.b, got, tc.min, tc.max)
		}
		if rev := Similarity(tc.b, tc.a); math.Abs(rev-got) > 1e-12 {
			t.Fatalf("similarity must be symmetric: %v vs %v", got, rev)
		}
	}
}

func TestRatioUpperBound(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{{"short", "a much longer title"}, {"abcdef", "abc"}, {"same", "same"}}
	for _, p := range pairs {
		a, b := NormalizeTitle(p[0]), NormalizeTitle(p[1])
		bound := ratioUpperBound(len([]rune(a)), len([]rune(b)))
		if r := normalizedRatio(a, b); r > bound+1e-12 {
			t.Fatalf("ratio %v exceeds bound %v for %q/%q", r, bound, a, b)
		}
	}
}
