package server

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/threatwire/clusterd/models"
)

type neverRanSource struct{}

func (neverRanSource) LatestRunTime(ctx context.Context) (*time.Time, error) { return nil, nil }

// blockingRunner blocks inside Run until its context is cancelled, then
// reports the cancellation error.
type blockingRunner struct {
	started chan struct{}
	done    chan error
}

func (r *blockingRunner) Run(ctx context.Context) (models.RunSummary, error) {
	close(r.started)
	<-ctx.Done()
	r.done <- ctx.Err()
	return models.RunSummary{}, ctx.Err()
}

func TestStopCancelsInFlightRun(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), done: make(chan error, 1)}
	s := &Scheduler{
		Runs:     neverRanSource{},
		Engine:   runner,
		CronSpec: "@hourly",
		Interval: 10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	}
	s.Start()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never fired a run")
	}

	s.Stop()

	select {
	case err := <-runner.done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run context err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not cancel the in-flight run")
	}
}

func TestIsDueNeverRan(t *testing.T) {
	if !isDue("@daily", nil) {
		t.Fatal("first run should always be due")
	}
	if !isDue("@hourly", nil) {
		t.Fatal("first run should always be due")
	}
	if !isDue("*/30 * * * *", nil) {
		t.Fatal("first run should always be due")
	}
}

func TestIsDueDaily(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	if isDue("@daily", &recent) {
		t.Fatal("ran an hour ago, daily schedule should not be due")
	}
	old := time.Now().Add(-25 * time.Hour)
	if !isDue("@daily", &old) {
		t.Fatal("ran 25h ago, daily schedule should be due")
	}
}

func TestIsDueHourly(t *testing.T) {
	recent := time.Now().Add(-10 * time.Minute)
	if isDue("@hourly", &recent) {
		t.Fatal("ran 10m ago, hourly schedule should not be due")
	}
	old := time.Now().Add(-2 * time.Hour)
	if !isDue("@hourly", &old) {
		t.Fatal("ran 2h ago, hourly schedule should be due")
	}
}

func TestIsDueCronExpression(t *testing.T) {
	// Every 15 minutes: a run 20 minutes ago has a next-fire in the past.
	old := time.Now().Add(-20 * time.Minute)
	if !isDue("*/15 * * * *", &old) {
		t.Fatal("expected due")
	}
	// A run in the future never has a past next-fire.
	future := time.Now().Add(time.Hour)
	if isDue("*/15 * * * *", &future) {
		t.Fatal("expected not due")
	}
}

func TestIsDueInvalidSpecFallsBackToDaily(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	if isDue("not a cron spec", &recent) {
		t.Fatal("invalid spec should degrade to daily gating")
	}
	old := time.Now().Add(-25 * time.Hour)
	if !isDue("not a cron spec", &old) {
		t.Fatal("invalid spec should degrade to daily gating")
	}
}
