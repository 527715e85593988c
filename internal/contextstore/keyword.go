package contextstore

import (
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Keyword matching thresholds. A query token counts as matching a keyword
// when the two share a metaphone encoding or their Jaro-Winkler similarity
// clears jwThreshold.
const jwThreshold = 0.88

// tokenize lowercases s and splits it on anything that is not a letter or
// digit, dropping short stop-ish tokens.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// tokensMatch reports whether a query token and a keyword token refer to the
// same word despite spelling or transcription noise.
func tokensMatch(a, b string) bool {
	if a == b {
		return true
	}
	pa, sa := matchr.DoubleMetaphone(a)
	pb, sb := matchr.DoubleMetaphone(b)
	if pa != "" && (pa == pb || (sb != "" && pa == sb)) {
		return true
	}
	if sa != "" && (sa == pb || (sb != "" && sa == sb)) {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= jwThreshold
}

// scoreEntry scores how well an entry's keywords and topic cover the query
// tokens. The score is the matched fraction of query tokens, 1.0 meaning
// every token found a keyword.
func scoreEntry(queryTokens []string, entry KnowledgeEntry) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	candidates := make([]string, 0, len(entry.Keywords)+2)
	for _, k := range entry.Keywords {
		candidates = append(candidates, tokenize(k)...)
	}
	candidates = append(candidates, tokenize(entry.Topic)...)
	if len(candidates) == 0 {
		return 0
	}

	matched := 0
	for _, qt := range queryTokens {
		for _, c := range candidates {
			if tokensMatch(qt, c) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// rankByKeywords scores every entry against query and returns the matches
// above zero, best first, at most limit.
func rankByKeywords(query string, entries []KnowledgeEntry, limit int) []KnowledgeResult {
	queryTokens := tokenize(query)
	results := make([]KnowledgeResult, 0, len(entries))
	for _, e := range entries {
		if score := scoreEntry(queryTokens, e); score > 0 {
			results = append(results, KnowledgeResult{Entry: e, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
