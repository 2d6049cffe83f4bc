package intent

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentoven/agentoven/dispatch-plane/internal/embeddings"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type ProviderKind string

const (
	ProviderNone      ProviderKind = "none"
	ProviderHeuristic ProviderKind = "heuristic"
	ProviderEmbedding ProviderKind = "embedding"
)

// ScoreProvider finds the best non-exact candidate for a normalized text.
// It reports false when nothing in the catalog is close enough.
type ScoreProvider interface {
	Kind() ProviderKind
	Best(ctx context.Context, normalized string, catalog *Catalog) (Candidate, bool)
}

// SelectProvider builds the provider named by kind. The embedding provider
// needs a driver; without one it degrades to the heuristic provider.
func SelectProvider(kind string, driver embeddings.Driver) (ScoreProvider, error) {
	switch ProviderKind(kind) {
	case ProviderNone:
		return NoneProvider{}, nil
	case "", ProviderHeuristic:
		return NewHeuristicProvider(DefaultReranker()), nil
	case ProviderEmbedding:
		if driver == nil {
			log.Warn().Msg("Embedding scorer requested without an embedding driver, using heuristic scorer")
			return NewHeuristicProvider(DefaultReranker()), nil
		}
		return NewEmbeddingProvider(driver, DefaultReranker()), nil
	}
	return nil, fmt.Errorf("unknown intent scorer %q", kind)
}

// ── None ─────────────────────────────────────────────────────

// NoneProvider only allows exact matches.
type NoneProvider struct{}

func (NoneProvider) Kind() ProviderKind { return ProviderNone }

func (NoneProvider) Best(context.Context, string, *Catalog) (Candidate, bool) {
	return Candidate{}, false
}

// ── Heuristic ────────────────────────────────────────────────

// HeuristicProvider scores examples by word overlap and re-ranks ties and
// near-ties with fuzzy similarity.
type HeuristicProvider struct {
	reranker Reranker
}

func NewHeuristicProvider(r Reranker) HeuristicProvider {
	return HeuristicProvider{reranker: r}
}

func (HeuristicProvider) Kind() ProviderKind { return ProviderHeuristic }

func (p HeuristicProvider) Best(_ context.Context, normalized string, catalog *Catalog) (Candidate, bool) {
	cands := overlapCandidates(normalized, catalog)
	switch len(cands) {
	case 0:
		return Candidate{}, false
	case 1:
		return cands[0], true
	}
	return p.reranker.Rerank(normalized, cands)[0], true
}

func overlapCandidates(normalized string, catalog *Catalog) []Candidate {
	var out []Candidate
	for _, ex := range catalog.Examples() {
		if score := WordOverlap(normalized, ex.Normalized); score > 0 {
			out = append(out, Candidate{IntentID: ex.IntentID, Example: ex.Text, Normalized: ex.Normalized, Score: score})
		}
	}
	return out
}

// ── Embedding ────────────────────────────────────────────────

// DefaultMinSimilarity is the cosine below which an example with no word in
// common is not considered at all.
const DefaultMinSimilarity = 0.75

// EmbeddingProvider runs the heuristic provider and then tries to beat it
// with a merged heuristic + cosine score. Example vectors are computed once
// per example and shared by concurrent callers.
type EmbeddingProvider struct {
	heuristic     HeuristicProvider
	reranker      Reranker
	driver        embeddings.Driver
	MinSimilarity float64

	group   singleflight.Group
	mu      sync.RWMutex
	vectors map[string][]float64
}

func NewEmbeddingProvider(driver embeddings.Driver, r Reranker) *EmbeddingProvider {
	return &EmbeddingProvider{
		heuristic:     NewHeuristicProvider(r),
		reranker:      r,
		driver:        driver,
		MinSimilarity: DefaultMinSimilarity,
		vectors:       make(map[string][]float64),
	}
}

func (*EmbeddingProvider) Kind() ProviderKind { return ProviderEmbedding }

func (p *EmbeddingProvider) Best(ctx context.Context, normalized string, catalog *Catalog) (Candidate, bool) {
	best, ok := p.heuristic.Best(ctx, normalized, catalog)

	query, err := p.driver.Embed(ctx, []string{normalized})
	if err != nil || len(query) != 1 {
		log.Debug().Err(err).Str("driver", p.driver.Kind()).Msg("Query embedding unavailable, keeping heuristic match")
		return best, ok
	}
	examples := catalog.Examples()
	vecs, err := p.exampleVectors(ctx, examples)
	if err != nil {
		log.Debug().Err(err).Str("driver", p.driver.Kind()).Msg("Example embeddings unavailable, keeping heuristic match")
		return best, ok
	}

	var merged []Candidate
	for i, ex := range examples {
		cos := Cosine(query[0], vecs[i])
		overlap := WordOverlap(normalized, ex.Normalized)
		if overlap == 0 && cos < p.MinSimilarity {
			continue
		}
		merged = append(merged, Candidate{
			IntentID:   ex.IntentID,
			Example:    ex.Text,
			Normalized: ex.Normalized,
			Score:      clamp01((overlap + cos) / 2),
		})
	}
	if len(merged) == 0 {
		return best, ok
	}
	top := p.reranker.Rerank(normalized, merged)[0]
	if !ok || top.Score > best.Score {
		return top, true
	}
	return best, ok
}

// exampleVectors returns one vector per example, embedding only the ones
// not cached yet.
func (p *EmbeddingProvider) exampleVectors(ctx context.Context, examples []Example) ([][]float64, error) {
	out, missing := p.cached(examples)
	if len(missing) == 0 {
		return out, nil
	}

	_, err, _ := p.group.Do("examples", func() (any, error) {
		_, still := p.cached(examples)
		if len(still) == 0 {
			return nil, nil
		}
		texts := make([]string, len(still))
		for i, idx := range still {
			texts[i] = examples[idx].Normalized
		}
		vecs, err := p.driver.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed catalog examples: %w", err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embed catalog examples: expected %d vectors, got %d", len(texts), len(vecs))
		}
		p.mu.Lock()
		for i, text := range texts {
			p.vectors[text] = vecs[i]
		}
		p.mu.Unlock()
		log.Info().Int("examples", len(texts)).Str("driver", p.driver.Kind()).Msg("Intent example embeddings cached")
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	out, missing = p.cached(examples)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%d example embeddings missing", len(missing))
	}
	return out, nil
}

func (p *EmbeddingProvider) cached(examples []Example) ([][]float64, []int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([][]float64, len(examples))
	var missing []int
	for i, ex := range examples {
		v, ok := p.vectors[ex.Normalized]
		if !ok {
			missing = append(missing, i)
			continue
		}
		out[i] = v
	}
	return out, missing
}
