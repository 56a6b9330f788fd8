// Package store persists articles, clusters, and memberships in Postgres.
// Cluster commits are atomic: the cluster row, its membership rows, and the
// assignment flags on source articles land in one transaction or not at all.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/threatwire/clusterd/models"
)

type Store struct {
	DB *sql.DB
}

// Run statuses persisted in clustering_runs.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// FetchUnclusteredArticles returns entity-annotated articles published since
// the cutoff that are not yet assigned to an active cluster, newest first.
// assigned_at is the explicit processed flag set alongside cluster commits,
// so eligibility never has to be inferred from the absence of memberships.
func (s *Store) FetchUnclusteredArticles(ctx context.Context, since time.Time, limit int) ([]models.Article, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, content, published_at, entities
FROM articles
WHERE assigned_at IS NULL
  AND content <> ''
  AND jsonb_array_length(entities) > 0
  AND published_at >= $1
ORDER BY published_at DESC
LIMIT $2
`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Article
	for rows.Next() {
		var a models.Article
		var entities []byte
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.PublishedAt, &entities); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(entities, &a.Entities); err != nil {
			return nil, fmt.Errorf("decode entities for article %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveClustersSharingEntities returns active clusters created since the
// cutoff that share at least one entity key with the given set. entity_keys
// carries a GIN index, so the overlap operator stays an index lookup.
func (s *Store) ActiveClustersSharingEntities(ctx context.Context, entityKeys []string, since time.Time) ([]models.Cluster, error) {
	if len(entityKeys) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, coherence_score, representative, entity_keys, created_at
FROM clusters
WHERE is_active = true
  AND created_at >= $1
  AND entity_keys && $2::text[]
ORDER BY created_at DESC
`, since.UTC(), pq.Array(entityKeys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Cluster
	for rows.Next() {
		var c models.Cluster
		var repr string
		if err := rows.Scan(&c.ID, &c.Name, &c.CoherenceScore, &repr, pq.Array(&c.EntityKeys), &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Representative, err = decodeVectorLiteral(repr)
		if err != nil {
			return nil, fmt.Errorf("decode representative for cluster %s: %w", c.ID, err)
		}
		c.IsActive = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClusterMembers returns the member articles of a cluster and the current
// primary's article id.
func (s *Store) ClusterMembers(ctx context.Context, clusterID string) ([]models.Article, string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT a.id, a.title, a.content, a.published_at, a.entities, ca.is_primary
FROM cluster_articles ca
JOIN articles a ON a.id = ca.article_id
WHERE ca.cluster_id = $1
ORDER BY a.id
`, clusterID)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var members []models.Article
	var primaryID string
	for rows.Next() {
		var a models.Article
		var entities []byte
		var isPrimary bool
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.PublishedAt, &entities, &isPrimary); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(entities, &a.Entities); err != nil {
			return nil, "", fmt.Errorf("decode entities for article %s: %w", a.ID, err)
		}
		if isPrimary {
			primaryID = a.ID
		}
		members = append(members, a)
	}
	return members, primaryID, rows.Err()
}

// NewClusterRecord is everything needed to commit a brand-new cluster.
type NewClusterRecord struct {
	Name           string
	Summary        string
	CoherenceScore float64
	Representative []float32
	EntityKeys     []string
	Members        []models.Membership
}

// CreateCluster commits a validated, non-duplicate candidate set atomically
// and returns the new cluster id.
func (s *Store) CreateCluster(ctx context.Context, rec NewClusterRecord) (string, error) {
	if len(rec.Members) == 0 {
		return "", fmt.Errorf("cluster requires at least one member")
	}
	if err := requireOnePrimary(rec.Members); err != nil {
		return "", err
	}
	vectorLiteral, err := encodeVectorLiteral(rec.Representative)
	if err != nil {
		return "", err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	clusterID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO clusters (id, name, summary, coherence_score, representative, entity_keys, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,true,NOW(),NOW())
`, clusterID, rec.Name, nullableString(rec.Summary), rec.CoherenceScore, vectorLiteral, pq.Array(rec.EntityKeys))
	if err != nil {
		return "", fmt.Errorf("insert cluster: %w", err)
	}

	for _, m := range rec.Members {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO cluster_articles (cluster_id, article_id, is_primary, similarity_score, created_at)
VALUES ($1,$2,$3,$4,NOW())
`, clusterID, m.ArticleID, m.IsPrimary, m.SimilarityScore); err != nil {
			return "", fmt.Errorf("insert membership for article %s: %w", m.ArticleID, err)
		}
		if err = markAssigned(ctx, tx, m.ArticleID); err != nil {
			return "", err
		}
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}
	return clusterID, nil
}

// MergeRecord describes folding a candidate's new articles into an existing
// active cluster, with the union-recomputed name, coherence, representative
// vector, and entity keys.
type MergeRecord struct {
	ClusterID      string
	Name           string
	Summary        string
	CoherenceScore float64
	Representative []float32
	EntityKeys     []string
	NewMembers     []models.Membership
	// ScoreUpdates refreshes existing members' similarity against the new
	// representative vector, keyed by article id.
	ScoreUpdates map[string]float64
	// NewPrimaryID is non-empty only when the primary re-evaluation policy
	// decided a strictly better representative emerged.
	NewPrimaryID string
}

// MergeIntoCluster applies a merge atomically.
func (s *Store) MergeIntoCluster(ctx context.Context, rec MergeRecord) error {
	if rec.ClusterID == "" {
		return fmt.Errorf("cluster id required")
	}
	vectorLiteral, err := encodeVectorLiteral(rec.Representative)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
UPDATE clusters
SET name = $2, summary = $3, coherence_score = $4, representative = $5::vector, entity_keys = $6, updated_at = NOW()
WHERE id = $1
`, rec.ClusterID, rec.Name, nullableString(rec.Summary), rec.CoherenceScore, vectorLiteral, pq.Array(rec.EntityKeys))
	if err != nil {
		return fmt.Errorf("update cluster %s: %w", rec.ClusterID, err)
	}

	for _, m := range rec.NewMembers {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO cluster_articles (cluster_id, article_id, is_primary, similarity_score, created_at)
VALUES ($1,$2,false,$3,NOW())
ON CONFLICT (cluster_id, article_id) DO NOTHING
`, rec.ClusterID, m.ArticleID, m.SimilarityScore); err != nil {
			return fmt.Errorf("insert membership for article %s: %w", m.ArticleID, err)
		}
		if err = markAssigned(ctx, tx, m.ArticleID); err != nil {
			return err
		}
	}

	for articleID, score := range rec.ScoreUpdates {
		if _, err = tx.ExecContext(ctx, `
UPDATE cluster_articles SET similarity_score = $3
WHERE cluster_id = $1 AND article_id = $2
`, rec.ClusterID, articleID, score); err != nil {
			return fmt.Errorf("update score for article %s: %w", articleID, err)
		}
	}

	if rec.NewPrimaryID != "" {
		if _, err = tx.ExecContext(ctx, `
UPDATE cluster_articles SET is_primary = (article_id = $2)
WHERE cluster_id = $1
`, rec.ClusterID, rec.NewPrimaryID); err != nil {
			return fmt.Errorf("switch primary to %s: %w", rec.NewPrimaryID, err)
		}
	}

	return tx.Commit()
}

// CreateRun opens a clustering run row and returns its id.
func (s *Store) CreateRun(ctx context.Context) (string, error) {
	runID := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO clustering_runs (id, status, started_at)
VALUES ($1,$2,NOW())
`, runID, RunStatusRunning)
	if err != nil {
		return "", err
	}
	return runID, nil
}

// FinishRun records the run outcome and summary counters.
func (s *Store) FinishRun(ctx context.Context, runID, status string, summary models.RunSummary, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE clustering_runs
SET status = $2,
    finished_at = NOW(),
    articles_considered = $3,
    clusters_created = $4,
    clusters_merged = $5,
    skipped_embedding = $6,
    skipped_unresolved = $7,
    skipped_validation = $8,
    error = $9
WHERE id = $1
`, runID, status,
		summary.ArticlesConsidered, summary.ClustersCreated, summary.ClustersMerged,
		summary.SkippedEmbedding, summary.SkippedUnresolved, summary.SkippedValidation,
		nullableString(errMsg))
	return err
}

// LatestRunTime returns the start time of the most recent finished run, or
// nil when no run has completed yet. The scheduler uses it for cron gating.
func (s *Store) LatestRunTime(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.DB.QueryRowContext(ctx, `
SELECT started_at FROM clustering_runs
WHERE status <> $1
ORDER BY started_at DESC
LIMIT 1
`, RunStatusRunning).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LatestRunSummary returns the most recent finished run's summary for the
// ops status endpoint.
func (s *Store) LatestRunSummary(ctx context.Context) (models.RunSummary, string, bool, error) {
	var summary models.RunSummary
	var status string
	var finished sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT id, status, started_at, finished_at,
       articles_considered, clusters_created, clusters_merged,
       skipped_embedding, skipped_unresolved, skipped_validation
FROM clustering_runs
WHERE status <> $1
ORDER BY started_at DESC
LIMIT 1
`, RunStatusRunning).Scan(
		&summary.RunID, &status, &summary.StartedAt, &finished,
		&summary.ArticlesConsidered, &summary.ClustersCreated, &summary.ClustersMerged,
		&summary.SkippedEmbedding, &summary.SkippedUnresolved, &summary.SkippedValidation,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunSummary{}, "", false, nil
	}
	if err != nil {
		return models.RunSummary{}, "", false, err
	}
	if finished.Valid {
		summary.FinishedAt = finished.Time
	}
	return summary, status, true, nil
}

func markAssigned(ctx context.Context, tx *sql.Tx, articleID string) error {
	res, err := tx.ExecContext(ctx, `
UPDATE articles SET assigned_at = NOW() WHERE id = $1
`, articleID)
	if err != nil {
		return fmt.Errorf("mark article %s assigned: %w", articleID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("article %s not found", articleID)
	}
	return nil
}

func requireOnePrimary(members []models.Membership) error {
	primaries := 0
	for _, m := range members {
		if m.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return fmt.Errorf("cluster requires exactly one primary member, got %d", primaries)
	}
	return nil
}

func nullableString(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(literal string) ([]float32, error) {
	trimmed := strings.Trim(strings.TrimSpace(literal), "[]")
	if trimmed == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	parts := strings.Split(trimmed, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
