// Package naming picks a cluster's primary article and derives its
// human-readable name from weighted entities, with a title-keyword fallback.
package naming

import (
	"sort"
	"strings"

	"github.com/threatwire/clusterd/internal/similarity"
	"github.com/threatwire/clusterd/models"
)

// SelectPrimary returns the member with the highest mean similarity to all
// other members: centroid-closest by similarity rather than raw vector
// distance, which keeps the choice robust to embedding scale. Ties break
// toward the smallest article id so re-runs pick the same primary.
func SelectPrimary(members []int, articles []models.Article, sim [][]float64) int {
	if len(members) == 1 {
		return members[0]
	}
	best := members[0]
	bestScore := -1.0
	for _, m := range members {
		score := meanSimilarityToOthers(m, members, sim)
		if score > bestScore || (score == bestScore && articles[m].ID < articles[best].ID) {
			best = m
			bestScore = score
		}
	}
	return best
}

func meanSimilarityToOthers(m int, members []int, sim [][]float64) float64 {
	var total float64
	for _, other := range members {
		if other == m {
			continue
		}
		total += sim[m][other]
	}
	return total / float64(len(members)-1)
}

// MeanSimilarityToSet returns the mean similarity of vec against every vector
// in the set. The resolver uses this to compare primary candidates over a
// merged union.
func MeanSimilarityToSet(vec []float32, set [][]float32) float64 {
	if len(set) == 0 {
		return 0
	}
	var total float64
	for _, other := range set {
		total += similarity.Cosine(vec, other)
	}
	return total / float64(len(set))
}

// Namer builds cluster names from entity weights.
type Namer struct {
	minEntityWeight int
	maxLength       int
}

func New(minEntityWeight, maxLength int) *Namer {
	return &Namer{minEntityWeight: minEntityWeight, maxLength: maxLength}
}

// Name derives the cluster name from the union of member entities: up to
// three tokens ordered by importance weight descending, preferring distinct
// categories. When fewer than two entity tokens qualify, high-frequency title
// keywords fill the gap; when nothing qualifies at all, the primary article's
// title is used. The result is truncated to the configured maximum.
func (n *Namer) Name(entities []models.Entity, titles []string, primaryTitle string) string {
	parts := n.entityTokens(entities)
	if len(parts) < 2 {
		for _, kw := range TitleKeywords(titles, 3-len(parts)) {
			if !containsFold(parts, kw) {
				parts = append(parts, kw)
			}
			if len(parts) >= 3 {
				break
			}
		}
	}

	var name string
	if len(parts) > 0 {
		name = strings.Join(parts, " - ")
	} else {
		name = strings.TrimSpace(primaryTitle)
	}
	return Truncate(name, n.maxLength)
}

// entityTokens picks up to three entities, weight descending, high-value ones
// first. A category is only repeated when no higher-weight alternative from an
// unused category remains; entities below the weight floor fill slots left
// over after every high-value entity has been placed.
func (n *Namer) entityTokens(entities []models.Entity) []string {
	unique := dedupeByKey(entities)
	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].Weight != unique[j].Weight {
			return unique[i].Weight > unique[j].Weight
		}
		return unique[i].Name < unique[j].Name
	})

	var eligible, rest []models.Entity
	for _, e := range unique {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		if e.Weight >= n.minEntityWeight {
			eligible = append(eligible, e)
		} else {
			rest = append(rest, e)
		}
	}

	var parts []string
	usedCategories := map[string]struct{}{}
	// First pass: high-value entities from distinct categories.
	for _, e := range eligible {
		if len(parts) >= 3 {
			break
		}
		cat := strings.ToLower(e.Category)
		if _, used := usedCategories[cat]; used {
			continue
		}
		usedCategories[cat] = struct{}{}
		parts = append(parts, e.Name)
	}
	// Second pass: remaining high-value entities regardless of category.
	for _, e := range eligible {
		if len(parts) >= 3 {
			break
		}
		if !containsFold(parts, e.Name) {
			parts = append(parts, e.Name)
		}
	}
	// Last pass: lower-weight entities fill what is left.
	for _, e := range rest {
		if len(parts) >= 3 {
			break
		}
		if !containsFold(parts, e.Name) {
			parts = append(parts, e.Name)
		}
	}
	return parts
}

func dedupeByKey(entities []models.Entity) []models.Entity {
	best := map[string]models.Entity{}
	var order []string
	for _, e := range entities {
		k := e.Key()
		if cur, ok := best[k]; !ok {
			best[k] = e
			order = append(order, k)
		} else if e.Weight > cur.Weight {
			best[k] = e
		}
	}
	out := make([]models.Entity, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func containsFold(parts []string, s string) bool {
	for _, p := range parts {
		if strings.EqualFold(p, s) {
			return true
		}
	}
	return false
}

// Truncate bounds a name to max runes, ellipsized.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// Summary renders the free-text cluster summary from the primary article.
func Summary(primary models.Article) string {
	content := []rune(primary.Content)
	const excerpt = 500
	if len(content) <= excerpt {
		return primary.Title + "\n\n" + string(content)
	}
	return primary.Title + "\n\n" + string(content[:excerpt]) + "..."
}
