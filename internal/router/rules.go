package router

import (
	"github.com/agentoven/agentoven/dispatch-plane/internal/intent"
)

// Rule is a canned reply for a small set of fixed phrases.
type Rule struct {
	Category string
	Patterns []string
	Reply    string
}

// DefaultRules covers greetings, thanks, acknowledgements and farewells in
// Portuguese and English.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: "greeting",
			Patterns: []string{"oi", "ola", "oie", "e ai", "bom dia", "boa tarde", "boa noite", "hello", "hi", "hey", "good morning", "good afternoon", "good evening"},
			Reply:    "Olá! Como posso ajudar?",
		},
		{
			Category: "thanks",
			Patterns: []string{"obrigado", "obrigada", "muito obrigado", "muito obrigada", "valeu", "brigado", "thanks", "thank you", "thx"},
			Reply:    "Por nada! Se precisar de algo, é só chamar.",
		},
		{
			Category: "ack",
			Patterns: []string{"ok", "okay", "beleza", "blz", "certo", "entendi", "show", "got it", "cool"},
			Reply:    "Combinado!",
		},
		{
			Category: "farewell",
			Patterns: []string{"tchau", "ate logo", "ate mais", "falou", "bye", "goodbye", "see you"},
			Reply:    "Até logo!",
		},
	}
}

// ruleSet indexes rules by normalized pattern. Later rules never override
// an earlier pattern.
type ruleSet map[string]Rule

func newRuleSet(rules []Rule) ruleSet {
	rs := make(ruleSet)
	for _, r := range rules {
		for _, p := range r.Patterns {
			n := intent.Normalize(p)
			if n == "" {
				continue
			}
			if _, ok := rs[n]; !ok {
				rs[n] = r
			}
		}
	}
	return rs
}

func (rs ruleSet) match(normalized string) (Rule, bool) {
	r, ok := rs[normalized]
	return r, ok
}
