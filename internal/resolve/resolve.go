// Package resolve decides whether a validated candidate set is a new
// incident or fresh coverage of one already tracked. Without it, re-running
// over overlapping time windows would spawn a duplicate cluster for the same
// real-world incident every run.
package resolve

import (
	"context"
	"log"
	"time"

	"github.com/threatwire/clusterd/internal/similarity"
	"github.com/threatwire/clusterd/models"
)

// ClusterSource is the storage view the resolver needs: active clusters that
// share at least one entity key with the candidate, scoped to a lookback
// window. Only the resolver and the orchestrator touch this set, and only
// under the held run lock.
type ClusterSource interface {
	ActiveClustersSharingEntities(ctx context.Context, entityKeys []string, since time.Time) ([]models.Cluster, error)
}

// Decision is the resolver's verdict for one candidate.
type Decision struct {
	// MergeInto is nil for a new cluster; otherwise the existing active
	// cluster the candidate's articles belong to.
	MergeInto  *models.Cluster
	Similarity float64
}

// Resolver compares candidate representative vectors against stored ones.
type Resolver struct {
	source ClusterSource
	cfg    models.RunConfig
	logger *log.Logger
}

func New(source ClusterSource, cfg models.RunConfig, logger *log.Logger) *Resolver {
	return &Resolver{source: source, cfg: cfg, logger: logger}
}

// Resolve checks the candidate (centroid + union of entity keys) against
// every active cluster sharing an entity. The highest representative-vector
// similarity at or above similarity_threshold wins; anything less means a
// new cluster.
func (r *Resolver) Resolve(ctx context.Context, centroid []float32, entityKeys []string) (Decision, error) {
	if len(entityKeys) == 0 {
		return Decision{}, nil
	}
	since := time.Now().UTC().Add(-r.cfg.ActiveClusterLookback)
	existing, err := r.source.ActiveClustersSharingEntities(ctx, entityKeys, since)
	if err != nil {
		return Decision{}, err
	}

	var best *models.Cluster
	bestSim := 0.0
	for i := range existing {
		sim := similarity.Cosine(centroid, existing[i].Representative)
		if sim > bestSim || (sim == bestSim && best != nil && existing[i].ID < best.ID) {
			best = &existing[i]
			bestSim = sim
		}
	}

	if best == nil || bestSim < r.cfg.SimilarityThreshold {
		return Decision{Similarity: bestSim}, nil
	}
	r.logger.Printf("candidate overlaps cluster %s (%q) with similarity %.3f", best.ID, best.Name, bestSim)
	return Decision{MergeInto: best, Similarity: bestSim}, nil
}
