package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// MaxSuggestions caps the number of names offered by DidYouMean.
const MaxSuggestions = 3

// MostSimilar returns up to limit options ordered by edit distance to word.
// Ties are broken alphabetically so the result is stable.
func MostSimilar(word string, options []string, limit int) []string {
	type scored struct {
		name string
		dist int
	}
	seen := make(map[string]bool, len(options))
	candidates := make([]scored, 0, len(options))
	for _, opt := range options {
		if opt == word || seen[opt] {
			continue
		}
		seen[opt] = true
		candidates = append(candidates, scored{name: opt, dist: levenshtein.ComputeDistance(word, opt)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

// DidYouMean builds a note suggesting the names closest to an undefined one.
// It returns an empty string when there is nothing to suggest.
func DidYouMean(undefined string, visible []string) string {
	matches := MostSimilar(undefined, visible, MaxSuggestions)
	switch len(matches) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("Did you mean '%s'?", matches[0])
	}
	quoted := make([]string, len(matches))
	for i, m := range matches {
		quoted[i] = "'" + m + "'"
	}
	return fmt.Sprintf("Did you mean one of [%s]?", strings.Join(quoted, ", "))
}
