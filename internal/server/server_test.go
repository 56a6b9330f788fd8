package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/threatwire/clusterd/internal/engine"
	"github.com/threatwire/clusterd/internal/store"
	"github.com/threatwire/clusterd/models"
)

func setupOpsServer(t *testing.T) (http.Handler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	st := &store.Store{DB: db}
	eng := engine.New(models.RunConfig{MinEntityWeight: 70, MaxNameLength: 200},
		nil, nil, nil, log.New(io.Discard, "", 0), nil)
	return New(st, eng), mock, func() { db.Close() }
}

func TestHealthz(t *testing.T) {
	h, _, cleanup := setupOpsServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusWithFinishedRun(t *testing.T) {
	h, mock, cleanup := setupOpsServer(t)
	defer cleanup()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "status", "started_at", "finished_at",
		"articles_considered", "clusters_created", "clusters_merged",
		"skipped_embedding", "skipped_unresolved", "skipped_validation",
	}).AddRow("run-1", store.RunStatusSucceeded, started, started.Add(time.Minute), 10, 2, 1, 0, 3, 1)
	mock.ExpectQuery("SELECT id, status, started_at").
		WithArgs(store.RunStatusRunning).
		WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		EngineState   string            `json:"engine_state"`
		LastRunStatus string            `json:"last_run_status"`
		LastRun       models.RunSummary `json:"last_run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.EngineState != string(engine.StateIdle) {
		t.Fatalf("engine state = %q", resp.EngineState)
	}
	if resp.LastRunStatus != store.RunStatusSucceeded || resp.LastRun.RunID != "run-1" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.LastRun.ClustersCreated != 2 {
		t.Fatalf("clusters created = %d", resp.LastRun.ClustersCreated)
	}
}

func TestStatusNoRunsYet(t *testing.T) {
	h, mock, cleanup := setupOpsServer(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, status, started_at").
		WithArgs(store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, present := resp["last_run"]; present {
		t.Fatal("last_run should be absent before the first finished run")
	}
}
