package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/threatwire/clusterd/internal/engine"
	"github.com/threatwire/clusterd/internal/runlock"
	"github.com/threatwire/clusterd/models"
)

// LastRunSource reports when the previous clustering run started.
type LastRunSource interface {
	LatestRunTime(ctx context.Context) (*time.Time, error)
}

// Runner executes one clustering run; satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context) (models.RunSummary, error)
}

// Scheduler fires clustering runs on a cron schedule. The engine holds the
// distributed run lock itself, so an instance losing the race simply skips
// the tick.
type Scheduler struct {
	Runs     LastRunSource
	Engine   Runner
	CronSpec string
	Interval time.Duration
	Logger   *log.Logger

	cancel context.CancelFunc
}

// Start launches the ticker loop. Call Stop to shut it down.
func (s *Scheduler) Start() {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the ticker loop and cancels any in-flight run.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	last, err := s.Runs.LatestRunTime(ctx)
	if err != nil {
		s.Logger.Printf("scheduler: reading last run time: %v", err)
		return
	}
	if !isDue(s.CronSpec, last) {
		return
	}

	summary, err := s.Engine.Run(ctx)
	if errors.Is(err, runlock.ErrNotAcquired) {
		s.Logger.Printf("scheduler: run already in progress elsewhere, skipping tick")
		return
	}
	if err != nil {
		s.Logger.Printf("scheduler: run failed: %v", err)
		return
	}
	s.Logger.Printf("scheduler: run %s finished, %d created / %d merged",
		summary.RunID, summary.ClustersCreated, summary.ClustersMerged)
}

// isDue determines if a run with cronSpec should fire now given the last run
// time. Supports "@daily", "@hourly", and standard 5-field cron expressions;
// invalid expressions degrade to @daily.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}

var _ Runner = (*engine.Engine)(nil)
