// Package validate applies the size, time-span, and coherence gates to
// candidate member sets before anything touches storage.
package validate

import (
	"sort"
	"time"

	"github.com/threatwire/clusterd/internal/similarity"
	"github.com/threatwire/clusterd/models"
)

// Rejection reasons reported back to the run summary.
const (
	ReasonTooSmall     = "too_small"
	ReasonTimeSpan     = "time_span"
	ReasonLowCoherence = "low_coherence"
)

// Candidate is a validated member set ready for duplicate resolution.
type Candidate struct {
	Members   []int // indices into the batch
	Coherence float64
	Centroid  []float32
	// CentroidSims maps each member index to its similarity against the
	// candidate centroid, recorded as the membership similarity score.
	CentroidSims map[int]float64
	// Dropped are members removed by truncation or the time split; they stay
	// unassigned and eligible for future runs.
	Dropped []int
}

// Result is the outcome for one candidate set.
type Result struct {
	Candidate *Candidate // nil when rejected
	Reason    string     // set when rejected
	Rejected  []int      // members left unassigned by a rejection
}

// Validator checks candidates against the run parameters. Checks run in
// order and short-circuit on first failure: size, time span, coherence.
type Validator struct {
	cfg models.RunConfig
}

func New(cfg models.RunConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate checks one candidate member set. articles and embeddings are
// batch-indexed; sim is the batch similarity matrix.
func (v *Validator) Validate(members []int, articles []models.Article, embeddings [][]float32, sim [][]float64) Result {
	if len(members) < v.cfg.MinClusterSize {
		return Result{Reason: ReasonTooSmall, Rejected: members}
	}

	kept := members
	var dropped []int

	if len(kept) > v.cfg.MaxClusterSize {
		kept, dropped = v.truncate(kept, embeddings)
	}

	kept, timeDropped, ok := v.splitByTime(kept, articles)
	dropped = append(dropped, timeDropped...)
	if !ok {
		return Result{Reason: ReasonTimeSpan, Rejected: members}
	}
	if len(kept) < v.cfg.MinClusterSize {
		return Result{Reason: ReasonTimeSpan, Rejected: members}
	}

	coherence := similarity.MeanPairwise(sim, kept)
	if coherence < v.cfg.CoherenceThreshold {
		// Hard quality gate: the whole set is rejected, not split further.
		return Result{Reason: ReasonLowCoherence, Rejected: members}
	}

	centroid, centroidSims := centroidSimilarities(kept, embeddings)
	return Result{Candidate: &Candidate{
		Members:      kept,
		Coherence:    coherence,
		Centroid:     centroid,
		CentroidSims: centroidSims,
		Dropped:      dropped,
	}}
}

// truncate drops the lowest-similarity-to-centroid members until the set fits
// max_cluster_size. The centroid-closest member is never droppable, and the
// centroid is fixed up front so the operation is order-independent.
func (v *Validator) truncate(members []int, embeddings [][]float32) (kept, dropped []int) {
	_, sims := centroidSimilarities(members, embeddings)

	ranked := append([]int(nil), members...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := sims[ranked[i]], sims[ranked[j]]
		if si != sj {
			return si > sj
		}
		return ranked[i] < ranked[j]
	})

	kept = append([]int(nil), ranked[:v.cfg.MaxClusterSize]...)
	dropped = append([]int(nil), ranked[v.cfg.MaxClusterSize:]...)
	sort.Ints(kept)
	sort.Ints(dropped)
	return kept, dropped
}

// splitByTime keeps the largest contiguous sub-window of members whose
// publication span fits time_window. The remainder is discarded for this run.
// ok is false when no sub-window of at least two members exists.
func (v *Validator) splitByTime(members []int, articles []models.Article) (kept, dropped []int, ok bool) {
	span := publishSpan(members, articles)
	if span <= v.cfg.TimeWindow {
		return members, nil, true
	}

	byTime := append([]int(nil), members...)
	sort.SliceStable(byTime, func(i, j int) bool {
		ti, tj := articles[byTime[i]].PublishedAt, articles[byTime[j]].PublishedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return byTime[i] < byTime[j]
	})

	// Two-pointer sweep over the publish-sorted members.
	bestStart, bestLen := 0, 0
	lo := 0
	for hi := 0; hi < len(byTime); hi++ {
		for articles[byTime[hi]].PublishedAt.Sub(articles[byTime[lo]].PublishedAt) > v.cfg.TimeWindow {
			lo++
		}
		if hi-lo+1 > bestLen {
			bestStart, bestLen = lo, hi-lo+1
		}
	}
	if bestLen < 2 {
		return nil, nil, false
	}

	kept = append([]int(nil), byTime[bestStart:bestStart+bestLen]...)
	inKept := make(map[int]struct{}, len(kept))
	for _, m := range kept {
		inKept[m] = struct{}{}
	}
	for _, m := range members {
		if _, in := inKept[m]; !in {
			dropped = append(dropped, m)
		}
	}
	sort.Ints(kept)
	sort.Ints(dropped)
	return kept, dropped, true
}

func publishSpan(members []int, articles []models.Article) time.Duration {
	if len(members) == 0 {
		return 0
	}
	min, max := articles[members[0]].PublishedAt, articles[members[0]].PublishedAt
	for _, m := range members[1:] {
		t := articles[m].PublishedAt
		if t.Before(min) {
			min = t
		}
		if t.After(max) {
			max = t
		}
	}
	return max.Sub(min)
}

func centroidSimilarities(members []int, embeddings [][]float32) ([]float32, map[int]float64) {
	vecs := make([][]float32, len(members))
	for i, m := range members {
		vecs[i] = embeddings[m]
	}
	centroid := similarity.Centroid(vecs)
	sims := make(map[int]float64, len(members))
	for _, m := range members {
		sims[m] = similarity.Cosine(embeddings[m], centroid)
	}
	return centroid, sims
}
