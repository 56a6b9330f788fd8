package naming

import (
	"sort"
	"strings"

	"github.com/blevesearch/bleve/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/registry"
)

// TitleKeywords extracts up to max frequency-ranked keywords from member
// titles using bleve's standard analyzer (unicode tokenization, lowercasing,
// English stop words). Only single words longer than three characters
// qualify; results are title-cased for display.
func TitleKeywords(titles []string, max int) []string {
	if max <= 0 || len(titles) == 0 {
		return nil
	}
	analyzer, err := registry.NewCache().AnalyzerNamed(standard.Name)
	if err != nil {
		return nil
	}

	counts := map[string]int{}
	var order []string
	for _, title := range titles {
		for _, token := range analyzer.Analyze([]byte(title)) {
			term := string(token.Term)
			if len(term) <= 3 || strings.ContainsAny(term, "0123456789") {
				continue
			}
			if _, seen := counts[term]; !seen {
				order = append(order, term)
			}
			counts[term]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if counts[order[i]] != counts[order[j]] {
			return counts[order[i]] > counts[order[j]]
		}
		return order[i] < order[j]
	})

	var out []string
	for _, term := range order {
		if counts[term] < 2 && len(titles) > 1 {
			// A keyword should recur across member titles; single-title
			// candidates are only trusted when the cluster has one title.
			continue
		}
		out = append(out, titleCase(term))
		if len(out) >= max {
			break
		}
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
