package intent

import "sort"

// Candidate is one scored (intent, example) pair.
type Candidate struct {
	IntentID string
	Example  string
	// Normalized is the example after Normalize.
	Normalized string
	Score      float64
}

const (
	DefaultExistingWeight  = 0.6
	DefaultNormalizeWeight = 0.8
)

// Reranker orders ambiguous candidates by mixing their prior score with a
// fuzzy similarity against the input text.
type Reranker struct {
	ExistingWeight  float64
	NormalizeWeight float64
}

func DefaultReranker() Reranker {
	return Reranker{ExistingWeight: DefaultExistingWeight, NormalizeWeight: DefaultNormalizeWeight}
}

// Rerank returns a new slice sorted by combined score, highest first. Each
// candidate's Score becomes min(1, combined). Ties keep input order.
func (r Reranker) Rerank(normalizedText string, candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		combined := r.ExistingWeight*out[i].Score + r.NormalizeWeight*FuzzySimilarity(normalizedText, out[i].Normalized)
		out[i].Score = clamp01(combined)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
