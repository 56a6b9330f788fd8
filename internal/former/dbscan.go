package former

// DBSCAN is the primary density-based strategy. Points without a dense
// neighborhood stay unlabeled (noise) and are simply not part of any
// candidate: topically adjacent but distinct stories are left for future runs
// rather than force-merged.
type DBSCAN struct{}

func (DBSCAN) Name() string { return "dbscan" }

const (
	labelUnvisited = 0
	labelNoise     = -1
)

// Partition runs DBSCAN over the precomputed distance matrix. Points are
// visited in index order and neighbors expanded in index order, which makes
// the labeling deterministic for identical input.
func (DBSCAN) Partition(dist [][]float64, eps float64, minSamples int) [][]int {
	n := len(dist)
	labels := make([]int, n) // 0 = unvisited, -1 = noise, >0 = cluster id
	next := 1

	for i := 0; i < n; i++ {
		if labels[i] != labelUnvisited {
			continue
		}
		neighbors := regionQuery(dist, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = labelNoise
			continue
		}
		labels[i] = next
		// Expand: seed list grows as new core points are discovered.
		seeds := append([]int(nil), neighbors...)
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == labelNoise {
				labels[j] = next // border point reached from a core point
			}
			if labels[j] != labelUnvisited {
				continue
			}
			labels[j] = next
			jNeighbors := regionQuery(dist, j, eps)
			if len(jNeighbors) >= minSamples {
				seeds = append(seeds, jNeighbors...)
			}
		}
		next++
	}

	clusters := make([][]int, next-1)
	for i, label := range labels {
		if label > 0 {
			clusters[label-1] = append(clusters[label-1], i)
		}
	}
	return clusters
}

// regionQuery returns all points within eps of point i, including i itself.
func regionQuery(dist [][]float64, i int, eps float64) []int {
	var neighbors []int
	for j, d := range dist[i] {
		if d <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}
