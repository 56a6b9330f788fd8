package models

import (
	"fmt"
	"strings"
	"time"
)

// Entity is a single extracted entity attached to an article by the upstream
// extraction stage. Weight is the importance weight on a 1-100 scale.
type Entity struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Weight   int    `json:"importance_weight"`
}

// Key returns the canonical "category:name" form used for overlap checks
// between candidate clusters and stored clusters.
func (e Entity) Key() string {
	return strings.ToLower(strings.TrimSpace(e.Category)) + ":" + strings.ToLower(strings.TrimSpace(e.Name))
}

// Article is a cleaned, entity-annotated security-news article. Embedding is
// computed per run and never persisted by this engine.
type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
	Entities    []Entity  `json:"entities"`
	Embedding   []float32 `json:"-"`
}

// EntityKeys returns the deduplicated entity keys of the article.
func (a Article) EntityKeys() []string {
	seen := make(map[string]struct{}, len(a.Entities))
	var keys []string
	for _, e := range a.Entities {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// Cluster is a committed incident cluster.
type Cluster struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Summary        string    `json:"summary,omitempty"`
	CoherenceScore float64   `json:"coherence_score"`
	Representative []float32 `json:"-"`
	EntityKeys     []string  `json:"entity_keys"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Membership links an article into a cluster. Exactly one membership per
// cluster has IsPrimary set. SimilarityScore is the member's similarity to the
// cluster's representative vector.
type Membership struct {
	ClusterID       string  `json:"cluster_id"`
	ArticleID       string  `json:"article_id"`
	IsPrimary       bool    `json:"is_primary"`
	SimilarityScore float64 `json:"similarity_score"`
}

// RunConfig carries the per-invocation clustering parameters. Every field is
// externally configurable; none of them are compile-time constants.
type RunConfig struct {
	SimilarityThreshold   float64
	MinClusterSize        int
	MaxClusterSize        int
	TimeWindow            time.Duration
	CoherenceThreshold    float64
	BatchSize             int
	FallbackMinRatio      float64
	ActiveClusterLookback time.Duration
	MinEntityWeight       int
	MaxNameLength         int
}

// Validate checks the run parameters for internal consistency.
func (c RunConfig) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold >= 1 {
		return fmt.Errorf("similarity_threshold must be in (0,1), got %v", c.SimilarityThreshold)
	}
	if c.CoherenceThreshold <= 0 || c.CoherenceThreshold > 1 {
		return fmt.Errorf("coherence_threshold must be in (0,1], got %v", c.CoherenceThreshold)
	}
	if c.MinClusterSize < 2 {
		return fmt.Errorf("min_cluster_size must be >= 2, got %d", c.MinClusterSize)
	}
	if c.MaxClusterSize < c.MinClusterSize {
		return fmt.Errorf("max_cluster_size %d < min_cluster_size %d", c.MaxClusterSize, c.MinClusterSize)
	}
	if c.TimeWindow <= 0 {
		return fmt.Errorf("time_window must be positive, got %v", c.TimeWindow)
	}
	if c.BatchSize < c.MinClusterSize {
		return fmt.Errorf("batch_size %d < min_cluster_size %d", c.BatchSize, c.MinClusterSize)
	}
	return nil
}

// Skip reasons surfaced in the run summary.
const (
	SkipReasonEmbedding  = "embedding_failure"
	SkipReasonUnresolved = "unresolved_at_formation"
	SkipReasonValidation = "failed_validation"
)

// RunSummary reports what a single clustering run did.
type RunSummary struct {
	RunID              string    `json:"run_id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	ArticlesConsidered int       `json:"articles_considered"`
	ClustersCreated    int       `json:"clusters_created"`
	ClustersMerged     int       `json:"clusters_merged"`
	SkippedEmbedding   int       `json:"skipped_embedding"`
	SkippedUnresolved  int       `json:"skipped_unresolved"`
	SkippedValidation  int       `json:"skipped_validation"`
}

// Skipped returns the total number of articles skipped this run.
func (s RunSummary) Skipped() int {
	return s.SkippedEmbedding + s.SkippedUnresolved + s.SkippedValidation
}
