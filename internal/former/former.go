// Package former turns a pairwise distance matrix into candidate member
// sets. The primary pass is density-based; a deterministic hierarchical
// fallback covers batches where the density method under-triggers.
package former

import (
	"log"
	"sort"

	"github.com/threatwire/clusterd/models"
)

// dbscanMinSamples is the neighborhood floor for core points. Two mutually
// close articles are enough to seed a candidate; the size gate proper belongs
// to the validator.
const dbscanMinSamples = 2

// Strategy is a pure partitioning function over a precomputed distance
// matrix. Implementations must be deterministic for identical input.
type Strategy interface {
	Name() string
	Partition(dist [][]float64, eps float64, minSamples int) [][]int
}

// Former selects between the primary and fallback strategies by a count-based
// predicate and emits candidate member sets.
type Former struct {
	primary  Strategy
	fallback Strategy
	logger   *log.Logger
}

// New builds a Former with the DBSCAN primary and agglomerative fallback.
func New(logger *log.Logger) *Former {
	return &Former{primary: DBSCAN{}, fallback: Agglomerative{}, logger: logger}
}

// Form partitions the batch. eps is 1 - similarity_threshold. The fallback
// runs when the primary pass produced fewer non-trivial candidates (size >=
// min_cluster_size) than FallbackMinRatio of the batch, and its result is
// kept only when it yields more non-trivial candidates than the primary.
func (f *Former) Form(dist [][]float64, cfg models.RunConfig) [][]int {
	n := len(dist)
	if n == 0 {
		return nil
	}
	eps := 1 - cfg.SimilarityThreshold

	candidates := f.primary.Partition(dist, eps, dbscanMinSamples)
	nonTrivial := countNonTrivial(candidates, cfg.MinClusterSize)
	f.logger.Printf("%s pass: %d candidates (%d non-trivial) over %d articles",
		f.primary.Name(), len(candidates), nonTrivial, n)

	if float64(nonTrivial) < cfg.FallbackMinRatio*float64(n) {
		alt := f.fallback.Partition(dist, eps, dbscanMinSamples)
		altNonTrivial := countNonTrivial(alt, cfg.MinClusterSize)
		f.logger.Printf("%s fallback: %d candidates (%d non-trivial)",
			f.fallback.Name(), len(alt), altNonTrivial)
		if altNonTrivial > nonTrivial {
			candidates = alt
		}
	}

	return normalize(candidates)
}

func countNonTrivial(candidates [][]int, minSize int) int {
	count := 0
	for _, c := range candidates {
		if len(c) >= minSize {
			count++
		}
	}
	return count
}

// normalize sorts members within each candidate and candidates by their first
// member, so downstream output is stable regardless of strategy internals.
func normalize(candidates [][]int) [][]int {
	out := make([][]int, 0, len(candidates))
	for _, c := range candidates {
		if len(c) == 0 {
			continue
		}
		sorted := append([]int(nil), c...)
		sort.Ints(sorted)
		out = append(out, sorted)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
