// Package engine drives a clustering run through its state machine: load a
// batch of eligible articles, embed them, attach follow-ups of already
// tracked incidents to their clusters, form candidate sets from the
// remainder, validate, resolve duplicates against stored clusters, and
// commit. COMMITTING is the only state that mutates persistent storage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/threatwire/clusterd/internal/embed"
	"github.com/threatwire/clusterd/internal/former"
	"github.com/threatwire/clusterd/internal/naming"
	"github.com/threatwire/clusterd/internal/resolve"
	"github.com/threatwire/clusterd/internal/similarity"
	"github.com/threatwire/clusterd/internal/store"
	"github.com/threatwire/clusterd/internal/validate"
	"github.com/threatwire/clusterd/models"
)

// State is the orchestrator's position in the run lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateEmbedding  State = "embedding"
	StateForming    State = "forming"
	StateValidating State = "validating"
	StateResolving  State = "resolving"
	StateCommitting State = "committing"
	StateFailed     State = "failed"
)

// backlogBatches bounds how many batch_size chunks one run will pull from
// the backlog; anything beyond stays eligible for the next run.
const backlogBatches = 20

// commitTimeout bounds each cluster's storage commit. The commit is the unit
// of atomicity; once started it runs to completion or rolls back as a whole.
const commitTimeout = 30 * time.Second

// Storage captures the store methods the engine needs.
type Storage interface {
	FetchUnclusteredArticles(ctx context.Context, since time.Time, limit int) ([]models.Article, error)
	ActiveClustersSharingEntities(ctx context.Context, entityKeys []string, since time.Time) ([]models.Cluster, error)
	ClusterMembers(ctx context.Context, clusterID string) ([]models.Article, string, error)
	CreateCluster(ctx context.Context, rec store.NewClusterRecord) (string, error)
	MergeIntoCluster(ctx context.Context, rec store.MergeRecord) error
	CreateRun(ctx context.Context) (string, error)
	FinishRun(ctx context.Context, runID, status string, summary models.RunSummary, errMsg string) error
}

// Locker serializes runs system-wide. Holding it for the run's duration is a
// hard requirement for any deployment with more than one scheduler instance.
type Locker interface {
	Acquire(ctx context.Context) (func(), error)
}

// Engine wires the pipeline stages together for one run at a time.
type Engine struct {
	cfg      models.RunConfig
	storage  Storage
	locker   Locker
	embedder *embed.Embedder
	former   *former.Former
	namer    *naming.Namer
	logger   *log.Logger
	metrics  *Metrics

	mu    sync.Mutex
	state State
}

// New builds an Engine. metrics may be nil.
func New(cfg models.RunConfig, storage Storage, locker Locker, embedder *embed.Embedder, logger *log.Logger, metrics *Metrics) *Engine {
	return &Engine{
		cfg:      cfg,
		storage:  storage,
		locker:   locker,
		embedder: embedder,
		former:   former.New(logger),
		namer:    naming.New(cfg.MinEntityWeight, cfg.MaxNameLength),
		logger:   logger,
		metrics:  metrics,
		state:    StateIdle,
	}
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run executes one full clustering run under the run lock. Batch chunks
// share the same logical run; partial progress is acceptable at batch
// granularity, never below cluster-commit granularity.
func (e *Engine) Run(ctx context.Context) (models.RunSummary, error) {
	release, err := e.locker.Acquire(ctx)
	if err != nil {
		return models.RunSummary{}, err
	}
	defer release()

	started := time.Now()
	e.setState(StateLoading)

	runID, err := e.storage.CreateRun(ctx)
	if err != nil {
		return e.fail(ctx, "", started, models.RunSummary{}, fmt.Errorf("create run: %w", err))
	}
	summary := models.RunSummary{RunID: runID, StartedAt: started.UTC()}

	// Extended fetch window: articles published up to twice the clustering
	// time window back remain eligible for initial processing.
	since := time.Now().UTC().Add(-2 * e.cfg.TimeWindow)
	articles, err := e.storage.FetchUnclusteredArticles(ctx, since, e.cfg.BatchSize*backlogBatches)
	if err != nil {
		return e.fail(ctx, runID, started, summary, fmt.Errorf("fetch unclustered articles: %w", err))
	}
	summary.ArticlesConsidered = len(articles)
	e.logger.Printf("run %s: %d eligible articles", runID, len(articles))

	for start := 0; start < len(articles); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			// Cancelled before this batch touched storage: in-memory state
			// is discarded, earlier batches stay committed.
			return e.fail(ctx, runID, started, summary, err)
		}
		end := start + e.cfg.BatchSize
		if end > len(articles) {
			end = len(articles)
		}
		if err := e.processBatch(ctx, articles[start:end], &summary); err != nil {
			return e.fail(ctx, runID, started, summary, err)
		}
	}

	summary.FinishedAt = time.Now().UTC()
	if err := e.storage.FinishRun(ctx, runID, store.RunStatusSucceeded, summary, ""); err != nil {
		e.logger.Printf("run %s: recording summary failed: %v", runID, err)
	}
	e.metrics.observeRun(store.RunStatusSucceeded, time.Since(started).Seconds(), summary)
	e.setState(StateIdle)
	e.logger.Printf("run %s: created=%d merged=%d skipped=%d",
		runID, summary.ClustersCreated, summary.ClustersMerged, summary.Skipped())
	return summary, nil
}

func (e *Engine) fail(ctx context.Context, runID string, started time.Time, summary models.RunSummary, err error) (models.RunSummary, error) {
	e.setState(StateFailed)
	summary.FinishedAt = time.Now().UTC()
	if runID != "" {
		// Best effort; the run row stays "running" if storage is gone.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = e.storage.FinishRun(finishCtx, runID, store.RunStatusFailed, summary, err.Error())
	}
	e.metrics.observeRun(store.RunStatusFailed, time.Since(started).Seconds(), summary)
	return summary, err
}

// processBatch runs one batch through EMBEDDING..COMMITTING.
func (e *Engine) processBatch(ctx context.Context, batch []models.Article, summary *models.RunSummary) error {
	e.setState(StateEmbedding)
	embedded, skipped, err := e.embedder.EmbedArticles(ctx, batch)
	if err != nil {
		return err
	}
	summary.SkippedEmbedding += len(skipped)
	if len(embedded) == 0 {
		return nil
	}

	// Assignment pass: an article continuing an already tracked incident
	// attaches to that cluster directly, so a single follow-up story still
	// merges even though it can never form a candidate set on its own.
	// Formation only sees the remainder.
	e.setState(StateResolving)
	resolver := resolve.New(e.storage, e.cfg, e.logger)
	attach := make(map[string][]models.Article)
	attachTargets := make(map[string]*models.Cluster)
	var remaining []models.Article
	for _, a := range embedded {
		decision, err := resolver.Resolve(ctx, a.Embedding, entityKeys(a.Entities))
		if err != nil {
			return fmt.Errorf("resolve article %s: %w", a.ID, err)
		}
		if decision.MergeInto != nil {
			attach[decision.MergeInto.ID] = append(attach[decision.MergeInto.ID], a)
			attachTargets[decision.MergeInto.ID] = decision.MergeInto
			continue
		}
		remaining = append(remaining, a)
	}
	attachIDs := make([]string, 0, len(attach))
	for id := range attach {
		attachIDs = append(attachIDs, id)
	}
	sort.Strings(attachIDs)

	var sim [][]float64
	var embeddings [][]float32
	var accepted []*validate.Candidate
	if len(remaining) >= e.cfg.MinClusterSize {
		e.setState(StateForming)
		embeddings = make([][]float32, len(remaining))
		for i, a := range remaining {
			embeddings[i] = a.Embedding
		}
		sim = similarity.Matrix(embeddings)
		candidates := e.former.Form(similarity.Distance(sim), e.cfg)

		assigned := make(map[int]struct{})
		for _, c := range candidates {
			for _, m := range c {
				assigned[m] = struct{}{}
			}
		}
		summary.SkippedUnresolved += len(remaining) - len(assigned)

		e.setState(StateValidating)
		validator := validate.New(e.cfg)
		for _, members := range candidates {
			result := validator.Validate(members, remaining, embeddings, sim)
			if result.Candidate == nil {
				summary.SkippedValidation += len(result.Rejected)
				continue
			}
			summary.SkippedValidation += len(result.Candidate.Dropped)
			accepted = append(accepted, result.Candidate)
		}
	} else {
		summary.SkippedUnresolved += len(remaining)
	}

	e.setState(StateResolving)
	type resolved struct {
		candidate *validate.Candidate
		decision  resolve.Decision
	}
	var plans []resolved
	for _, c := range accepted {
		decision, err := resolver.Resolve(ctx, c.Centroid, e.unionEntityKeys(c.Members, remaining))
		if err != nil {
			return fmt.Errorf("resolve candidate: %w", err)
		}
		plans = append(plans, resolved{candidate: c, decision: decision})
	}

	if err := ctx.Err(); err != nil {
		// Cancellation is honored up to the commit boundary only.
		return err
	}

	e.setState(StateCommitting)
	for _, id := range attachIDs {
		group := attach[id]
		members := make([]int, len(group))
		for i := range members {
			members[i] = i
		}
		if err := e.commitMerge(ctx, &validate.Candidate{Members: members}, attachTargets[id], group); err != nil {
			e.logger.Printf("merge into cluster %s failed, articles left unassigned: %v", id, err)
			continue
		}
		summary.ClustersMerged++
	}
	for _, p := range plans {
		if p.decision.MergeInto != nil {
			if err := e.commitMerge(ctx, p.candidate, p.decision.MergeInto, remaining); err != nil {
				e.logger.Printf("merge into cluster %s failed, articles left unassigned: %v", p.decision.MergeInto.ID, err)
				continue
			}
			summary.ClustersMerged++
		} else {
			if err := e.commitNewCluster(ctx, p.candidate, remaining, sim); err != nil {
				e.logger.Printf("cluster commit failed, articles left unassigned: %v", err)
				continue
			}
			summary.ClustersCreated++
		}
	}
	return nil
}

// commitNewCluster names a validated candidate and writes it atomically.
func (e *Engine) commitNewCluster(ctx context.Context, c *validate.Candidate, batch []models.Article, sim [][]float64) error {
	primaryIdx := naming.SelectPrimary(c.Members, batch, sim)
	primary := batch[primaryIdx]

	memberships := make([]models.Membership, 0, len(c.Members))
	for _, m := range c.Members {
		memberships = append(memberships, models.Membership{
			ArticleID:       batch[m].ID,
			IsPrimary:       m == primaryIdx,
			SimilarityScore: c.CentroidSims[m],
		})
	}

	entities, titles := e.unionEntities(c.Members, batch)
	name := e.namer.Name(entities, titles, primary.Title)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	clusterID, err := e.storage.CreateCluster(commitCtx, store.NewClusterRecord{
		Name:           name,
		Summary:        naming.Summary(primary),
		CoherenceScore: c.Coherence,
		Representative: c.Centroid,
		EntityKeys:     entityKeys(entities),
		Members:        memberships,
	})
	if err != nil {
		return err
	}
	e.logger.Printf("created cluster %s %q with %d members (coherence %.3f)",
		clusterID, name, len(c.Members), c.Coherence)
	return nil
}

// commitMerge folds a candidate's new articles into an existing cluster and
// recomputes coherence, name, representative, and membership scores over the
// union. The primary is replaced only when the incoming batch's best
// representative strictly beats the existing primary's mean similarity to
// the union.
func (e *Engine) commitMerge(ctx context.Context, c *validate.Candidate, target *models.Cluster, batch []models.Article) error {
	existing, primaryID, err := e.storage.ClusterMembers(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("load members of cluster %s: %w", target.ID, err)
	}
	existingEmbedded, skipped, err := e.embedder.EmbedArticles(ctx, existing)
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		// Union recomputation needs every existing member's vector; without
		// them the merge would corrupt coherence. Retry next run.
		return errors.New("could not re-embed all existing members")
	}

	existingIDs := make(map[string]struct{}, len(existingEmbedded))
	union := append([]models.Article(nil), existingEmbedded...)
	for _, a := range existingEmbedded {
		existingIDs[a.ID] = struct{}{}
	}
	var incoming []models.Article
	for _, m := range c.Members {
		a := batch[m]
		if _, dup := existingIDs[a.ID]; dup {
			continue
		}
		incoming = append(incoming, a)
		union = append(union, a)
	}
	if len(incoming) == 0 {
		return nil
	}

	unionVecs := make([][]float32, len(union))
	for i, a := range union {
		unionVecs[i] = a.Embedding
	}
	representative := similarity.Centroid(unionVecs)
	unionSim := similarity.Matrix(unionVecs)
	all := make([]int, len(union))
	for i := range all {
		all[i] = i
	}
	coherence := similarity.MeanPairwise(unionSim, all)

	var entities []models.Entity
	var titles []string
	for _, a := range union {
		entities = append(entities, a.Entities...)
		titles = append(titles, a.Title)
	}

	newPrimaryID := e.reevaluatePrimary(primaryID, union, unionVecs, incoming)
	effectiveID := primaryID
	if newPrimaryID != "" {
		effectiveID = newPrimaryID
	}
	// Name and summary follow whichever article holds the primary role after
	// the merge, not the one that held it before.
	primary := union[0]
	for _, a := range union {
		if a.ID == effectiveID {
			primary = a
		}
	}

	scoreUpdates := make(map[string]float64, len(union))
	for _, a := range union {
		scoreUpdates[a.ID] = similarity.Cosine(a.Embedding, representative)
	}
	newMembers := make([]models.Membership, 0, len(incoming))
	for _, a := range incoming {
		newMembers = append(newMembers, models.Membership{
			ArticleID:       a.ID,
			SimilarityScore: scoreUpdates[a.ID],
		})
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err = e.storage.MergeIntoCluster(commitCtx, store.MergeRecord{
		ClusterID:      target.ID,
		Name:           e.namer.Name(entities, titles, primary.Title),
		Summary:        naming.Summary(primary),
		CoherenceScore: coherence,
		Representative: representative,
		EntityKeys:     entityKeys(entities),
		NewMembers:     newMembers,
		ScoreUpdates:   scoreUpdates,
		NewPrimaryID:   newPrimaryID,
	})
	if err != nil {
		return err
	}
	e.logger.Printf("merged %d articles into cluster %s (coherence %.3f)", len(incoming), target.ID, coherence)
	return nil
}

// reevaluatePrimary returns the incoming article id that should take over as
// primary, or "" to keep the current one. Documented policy, not a derived
// invariant: replace only on a strictly better mean similarity to the union.
func (e *Engine) reevaluatePrimary(primaryID string, union []models.Article, unionVecs [][]float32, incoming []models.Article) string {
	var currentScore float64
	found := false
	for i, a := range union {
		if a.ID == primaryID {
			currentScore = naming.MeanSimilarityToSet(unionVecs[i], unionVecs)
			found = true
		}
	}
	if !found {
		return ""
	}

	bestID := ""
	bestScore := currentScore
	for _, a := range incoming {
		score := naming.MeanSimilarityToSet(a.Embedding, unionVecs)
		if score > bestScore {
			bestID = a.ID
			bestScore = score
		}
	}
	return bestID
}

func (e *Engine) unionEntityKeys(members []int, batch []models.Article) []string {
	entities, _ := e.unionEntities(members, batch)
	return entityKeys(entities)
}

func (e *Engine) unionEntities(members []int, batch []models.Article) ([]models.Entity, []string) {
	var entities []models.Entity
	var titles []string
	for _, m := range members {
		entities = append(entities, batch[m].Entities...)
		titles = append(titles, batch[m].Title)
	}
	return entities, titles
}

func entityKeys(entities []models.Entity) []string {
	seen := make(map[string]struct{}, len(entities))
	var keys []string
	for _, e := range entities {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
