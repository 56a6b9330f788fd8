// Package embed adapts the external embedding capability to articles: it
// renders the weighted embedding input and fans batch work out to the
// backend under a concurrency bound.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threatwire/clusterd/models"
	"github.com/threatwire/clusterd/provider"
)

// Skipped records an article dropped from the current run because its
// embedding failed. It stays unassigned and is retried on the next run.
type Skipped struct {
	ArticleID string
	Err       error
}

// Embedder computes article embeddings through the provider capability.
type Embedder struct {
	provider    provider.Provider
	concurrency int
	timeout     time.Duration
	logger      *log.Logger
}

func New(p provider.Provider, concurrency int, timeout time.Duration, logger *log.Logger) *Embedder {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Embedder{provider: p, concurrency: concurrency, timeout: timeout, logger: logger}
}

// BuildInput renders the deterministic embedding input: the title three times
// so it carries triple the weight of an equal-length content excerpt, then
// the cleaned content, then a compact rendering of the entity names for
// semantic grounding beyond the prose.
func BuildInput(a models.Article) string {
	var b strings.Builder
	title := strings.TrimSpace(a.Title)
	for i := 0; i < 3; i++ {
		b.WriteString(title)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(a.Content))

	if len(a.Entities) > 0 {
		b.WriteString("\n\nEntities: ")
		for i, e := range a.Entities {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.Name)
		}
	}
	return b.String()
}

// EmbedArticles fills Embedding on each article, in parallel up to the
// configured concurrency. Per-article failures are recoverable: the article
// is skipped for this run, never retried in a tight loop. The returned error
// is non-nil only when the backend failed for the entire batch.
func (e *Embedder) EmbedArticles(ctx context.Context, articles []models.Article) ([]models.Article, []Skipped, error) {
	if len(articles) == 0 {
		return nil, nil, nil
	}

	results := make([][]float32, len(articles))
	failures := make([]error, len(articles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range articles {
		g.Go(func() error {
			callCtx := gctx
			if e.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, e.timeout)
				defer cancel()
			}
			vecs, err := e.provider.CreateEmbedding(callCtx, []string{BuildInput(articles[i])})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures[i] = err
				return nil
			}
			if len(vecs) != 1 {
				failures[i] = fmt.Errorf("expected 1 embedding, got %d", len(vecs))
				return nil
			}
			results[i] = vecs[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var embedded []models.Article
	var skipped []Skipped
	backendDown := 0
	for i, a := range articles {
		if failures[i] != nil {
			e.logger.Printf("embedding failed for article %s: %v", a.ID, failures[i])
			skipped = append(skipped, Skipped{ArticleID: a.ID, Err: failures[i]})
			if errors.Is(failures[i], provider.ErrBackendUnavailable) {
				backendDown++
			}
			continue
		}
		a.Embedding = results[i]
		embedded = append(embedded, a)
	}

	// Every article failing with a backend-unavailable error means the
	// backend is unreachable for the run, which is fatal to the caller.
	if backendDown == len(articles) {
		return nil, nil, fmt.Errorf("embedding backend unreachable for entire batch: %w", provider.ErrBackendUnavailable)
	}
	return embedded, skipped, nil
}
