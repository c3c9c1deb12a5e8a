package knowledge

import (
	"regexp"
	"sort"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)

// stopWords holds English filler plus words that appear in every simulator log.
var stopWords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "are": true, "was": true, "were": true, "been": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "should": true, "could": true, "must": true,
	"can": true, "this": true, "that": true, "these": true, "those": true,
	"not": true, "you": true, "what": true, "which": true, "when": true,
	"where": true, "how": true, "into": true, "line": true, "file": true,
	"error": true, "errors": true, "warning": true, "module": true, "endmodule": true,
	"test": true, "tests": true, "failed": true, "found": true, "note": true,
}

// ExtractKeyTerms picks search terms from free text such as a diagnostic.
// Returns up to maxTerms distinct lower-cased terms ordered by frequency.
func ExtractKeyTerms(text string, maxTerms int) []string {
	if maxTerms <= 0 {
		maxTerms = 20
	}

	freq := make(map[string]int)
	order := make(map[string]int)
	for _, token := range tokenPattern.FindAllString(text, -1) {
		lower := strings.ToLower(token)
		if len(lower) < 3 || stopWords[lower] {
			continue
		}
		if _, seen := order[lower]; !seen {
			order[lower] = len(order)
		}
		freq[lower]++
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return order[terms[i]] < order[terms[j]]
	})

	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}

// ftsQuery joins terms into an FTS5 OR query with each term quoted.
func ftsQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
