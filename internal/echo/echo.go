// Package echo decides whether a helpdesk-reported comment is an echo of
// something the chat user already said. Helpdesks replay user comments
// through the same activity stream engineer replies arrive on, often
// re-wrapped or truncated, so plain equality is not enough.
package echo

import (
	"strings"

	"github.com/helptp-io/relay/internal/textnorm"
)

const (
	// minCompareLen gates the substring and similarity rules so a short
	// genuine engineer reply ("готово") is never misclassified as an echo.
	minCompareLen = 24

	// similarityThreshold matches comments the engineer lightly edited.
	similarityThreshold = 0.88

	// maxRatioLen bounds the quadratic similarity computation.
	maxRatioLen = 2000
)

// IsEcho reports whether candidate matches any of the stored user
// fingerprints. Fingerprints are expected in soft-normalized form (the
// form the store records); raw ones are re-normalized defensively.
//
// A candidate is an echo when any fingerprint satisfies one of:
//  1. soft-normalized equality;
//  2. strict forms (alphanumeric only) where one contains the other and
//     the stored form has length >= 24;
//  3. soft forms both of length >= 24 with LCS similarity >= 0.88.
func IsEcho(candidate string, fingerprints []string) bool {
	if candidate == "" {
		return false
	}
	cSoft := textnorm.Soft(candidate)
	if cSoft == "" {
		return false
	}
	cStrict := textnorm.Strict(candidate)

	for _, fp := range fingerprints {
		fpSoft := textnorm.Soft(fp)
		if fpSoft == "" {
			continue
		}
		if fpSoft == cSoft {
			return true
		}

		fpStrict := textnorm.Strict(fpSoft)
		if len([]rune(fpStrict)) >= minCompareLen && (contains(fpStrict, cStrict) || contains(cStrict, fpStrict)) {
			return true
		}

		if runeLen(fpSoft) >= minCompareLen && runeLen(cSoft) >= minCompareLen {
			if Similarity(fpSoft, cSoft) >= similarityThreshold {
				return true
			}
		}
	}
	return false
}

// Similarity returns 2*LCS(a,b)/(len(a)+len(b)) over runes, in [0,1].
// Inputs longer than maxRatioLen runes are truncated before comparison.
func Similarity(a, b string) float64 {
	ra := truncate([]rune(a), maxRatioLen)
	rb := truncate([]rune(b), maxRatioLen)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	return 2 * float64(lcs(ra, rb)) / float64(len(ra)+len(rb))
}

// lcs computes longest-common-subsequence length with two DP rows.
func lcs(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func truncate(r []rune, n int) []rune {
	if len(r) > n {
		return r[:n]
	}
	return r
}

func runeLen(s string) int { return len([]rune(s)) }

func contains(haystack, needle string) bool {
	return needle != "" && strings.Contains(haystack, needle)
}
