package former

// Agglomerative is the fallback strategy: bottom-up average-linkage merging
// with a distance cutoff. Unlike DBSCAN it assigns every point to some
// cluster, so batches whose distribution under-triggers the density pass
// still produce candidates; singletons fall out at validation.
type Agglomerative struct{}

func (Agglomerative) Name() string { return "agglomerative" }

// Partition merges the closest pair of clusters (by average linkage) until no
// pair is within eps. Ties break toward the lowest pair of indices, keeping
// the result a pure function of the matrix and cutoff.
func (Agglomerative) Partition(dist [][]float64, eps float64, _ int) [][]int {
	n := len(dist)
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for len(clusters) > 1 {
		bestA, bestB := -1, -1
		var bestDist float64
		for a := 0; a < len(clusters); a++ {
			for b := a + 1; b < len(clusters); b++ {
				d := averageLinkage(dist, clusters[a], clusters[b])
				if d > eps {
					continue
				}
				if bestA == -1 || d < bestDist {
					bestA, bestB = a, b
					bestDist = d
				}
			}
		}
		if bestA == -1 {
			break
		}
		merged := append(append([]int(nil), clusters[bestA]...), clusters[bestB]...)
		clusters[bestA] = merged
		clusters = append(clusters[:bestB], clusters[bestB+1:]...)
	}

	return clusters
}

// averageLinkage is the mean pairwise distance between two member sets.
func averageLinkage(dist [][]float64, a, b []int) float64 {
	var total float64
	for _, i := range a {
		for _, j := range b {
			total += dist[i][j]
		}
	}
	return total / float64(len(a)*len(b))
}
