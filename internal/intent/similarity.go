package intent

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// WordOverlap is |common words| / max(|A|, |B|) over normalized texts.
func WordOverlap(a, b string) float64 {
	wa, wb := Words(a), Words(b)
	denom := max(len(wa), len(wb))
	if denom == 0 {
		return 0
	}
	common := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			common++
		}
	}
	return float64(common) / float64(denom)
}

// FuzzySimilarity is 1 - editDistance/maxLen over runes, so identical texts
// score 1 and unrelated texts approach 0.
func FuzzySimilarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return clamp01(1 - float64(d)/float64(longest))
}

// Cosine returns the cosine similarity of two vectors clamped to [0,1].
// Zero vectors and mismatched lengths yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
