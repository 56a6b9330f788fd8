package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/threatwire/clusterd/models"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() { db.Close() }
	return &Store{DB: db}, mock, cleanup
}

func TestFetchUnclusteredArticles(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	published := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entities := `[{"name":"ALPHV","category":"threat_actor","importance_weight":95}]`
	rows := sqlmock.NewRows([]string{"id", "title", "content", "published_at", "entities"}).
		AddRow("a1", "Title", "Content", published, []byte(entities))

	mock.ExpectQuery("SELECT id, title, content, published_at, entities").
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnRows(rows)

	got, err := st.FetchUnclusteredArticles(context.Background(), published.Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("FetchUnclusteredArticles: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d articles, want 1", len(got))
	}
	a := got[0]
	if a.ID != "a1" || len(a.Entities) != 1 {
		t.Fatalf("article = %+v", a)
	}
	if a.Entities[0].Key() != "threat_actor:alphv" {
		t.Fatalf("entity key = %q", a.Entities[0].Key())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestActiveClustersSharingEntities(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "name", "coherence_score", "representative", "entity_keys", "created_at"}).
		AddRow("c1", "ALPHV - MGM", 0.8, "[1,0.5]", "{threat_actor:alphv}", created)

	mock.ExpectQuery("SELECT id, name, coherence_score, representative, entity_keys, created_at").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	got, err := st.ActiveClustersSharingEntities(context.Background(), []string{"threat_actor:alphv"}, created.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ActiveClustersSharingEntities: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d clusters, want 1", len(got))
	}
	c := got[0]
	if c.ID != "c1" || !c.IsActive {
		t.Fatalf("cluster = %+v", c)
	}
	if len(c.Representative) != 2 || c.Representative[0] != 1 || c.Representative[1] != 0.5 {
		t.Fatalf("representative = %v", c.Representative)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestActiveClustersNoKeysSkipsQuery(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	got, err := st.ActiveClustersSharingEntities(context.Background(), nil, time.Now())
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateClusterCommitsAtomically(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO clusters")).
		WithArgs(sqlmock.AnyArg(), "ALPHV - MGM", sqlmock.AnyArg(), 0.9, "[1,0]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, id := range []string{"a1", "a2"} {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cluster_articles")).
			WithArgs(sqlmock.AnyArg(), id, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE articles SET assigned_at")).
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	id, err := st.CreateCluster(context.Background(), NewClusterRecord{
		Name:           "ALPHV - MGM",
		Summary:        "summary",
		CoherenceScore: 0.9,
		Representative: []float32{1, 0},
		EntityKeys:     []string{"threat_actor:alphv"},
		Members: []models.Membership{
			{ArticleID: "a1", IsPrimary: true, SimilarityScore: 0.95},
			{ArticleID: "a2", SimilarityScore: 0.9},
		},
	})
	if err != nil {
		t.Fatalf("CreateCluster: %v", err)
	}
	if id == "" {
		t.Fatal("empty cluster id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateClusterRejectsZeroPrimaries(t *testing.T) {
	st, _, cleanup := setupStore(t)
	defer cleanup()

	_, err := st.CreateCluster(context.Background(), NewClusterRecord{
		Representative: []float32{1},
		Members: []models.Membership{
			{ArticleID: "a1"},
			{ArticleID: "a2"},
		},
	})
	if err == nil {
		t.Fatal("expected primary-count error")
	}
}

func TestCreateClusterRollsBackOnFailure(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO clusters")).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := st.CreateCluster(context.Background(), NewClusterRecord{
		Representative: []float32{1},
		Members:        []models.Membership{{ArticleID: "a1", IsPrimary: true}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMergeIntoCluster(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE clusters")).
		WithArgs("c1", "ALPHV - MGM", "fresh summary", 0.85, "[1,0]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cluster_articles")).
		WithArgs("c1", "a9", 0.9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE articles SET assigned_at")).
		WithArgs("a9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE cluster_articles SET similarity_score")).
		WithArgs("c1", "a9", 0.9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE cluster_articles SET is_primary")).
		WithArgs("c1", "a9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.MergeIntoCluster(context.Background(), MergeRecord{
		ClusterID:      "c1",
		Name:           "ALPHV - MGM",
		Summary:        "fresh summary",
		CoherenceScore: 0.85,
		Representative: []float32{1, 0},
		EntityKeys:     []string{"threat_actor:alphv"},
		NewMembers:     []models.Membership{{ArticleID: "a9", SimilarityScore: 0.9}},
		ScoreUpdates:   map[string]float64{"a9": 0.9},
		NewPrimaryID:   "a9",
	})
	if err != nil {
		t.Fatalf("MergeIntoCluster: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFinishRunRecordsSummary(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE clustering_runs")).
		WithArgs("run-1", RunStatusSucceeded, 10, 2, 1, 1, 3, 0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.FinishRun(context.Background(), "run-1", RunStatusSucceeded, models.RunSummary{
		ArticlesConsidered: 10,
		ClustersCreated:    2,
		ClustersMerged:     1,
		SkippedEmbedding:   1,
		SkippedUnresolved:  3,
	}, "")
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLatestRunTimeNoRuns(t *testing.T) {
	st, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT started_at FROM clustering_runs").
		WithArgs(RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}))

	got, err := st.LatestRunTime(context.Background())
	if err != nil {
		t.Fatalf("LatestRunTime: %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	vec := []float32{1, 0.5, -0.25}
	literal, err := encodeVectorLiteral(vec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeVectorLiteral(literal)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 0.5 || got[2] != -0.25 {
		t.Fatalf("round trip = %v", got)
	}
}

func TestEncodeVectorLiteralRejectsEmpty(t *testing.T) {
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
}
