package intent

import (
	"context"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// Matcher detects the intent of free text against a catalog.
type Matcher struct {
	catalog  *Catalog
	provider ScoreProvider
}

// NewMatcher returns a matcher. A nil provider means exact matches only.
func NewMatcher(catalog *Catalog, provider ScoreProvider) *Matcher {
	if provider == nil {
		provider = NoneProvider{}
	}
	return &Matcher{catalog: catalog, provider: provider}
}

func (m *Matcher) Catalog() *Catalog { return m.catalog }

func (m *Matcher) Provider() ScoreProvider { return m.provider }

// Detect returns the best intent for text. It never fails: when nothing
// matches it returns a fallback match with an empty IntentID.
func (m *Matcher) Detect(ctx context.Context, text string) models.IntentMatch {
	normalized := Normalize(text)
	if normalized == "" {
		return fallback()
	}
	if ex, ok := m.catalog.exactMatch(normalized); ok {
		return models.IntentMatch{
			IntentID:       ex.IntentID,
			Score:          1,
			Method:         models.MatchExact,
			MatchedExample: ex.Text,
		}
	}
	best, ok := m.provider.Best(ctx, normalized, m.catalog)
	if !ok {
		return fallback()
	}
	return models.IntentMatch{
		IntentID:       best.IntentID,
		Score:          clamp01(best.Score),
		Method:         models.MatchSemantic,
		MatchedExample: best.Example,
	}
}

func fallback() models.IntentMatch {
	return models.IntentMatch{Method: models.MatchFallback}
}
