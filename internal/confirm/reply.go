package confirm

import (
	"strings"

	"github.com/agentoven/agentoven/dispatch-plane/internal/intent"
)

type Answer string

const (
	AnswerYes     Answer = "yes"
	AnswerNo      Answer = "no"
	AnswerUnknown Answer = "unknown"
)

var (
	yesWords = wordSet("sim", "s", "ok", "yes", "y", "claro", "confirmo", "pode", "isso", "beleza", "certo", "confirm", "sure", "yep")
	noWords  = wordSet("nao", "n", "no", "cancela", "cancelar", "negativo", "nope", "nah", "pare", "stop")
)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// ParseReply classifies a free-form reply by its first normalized word.
// "Sim, pode mandar" is yes; "Não!" is no; anything else is unknown.
func ParseReply(text string) Answer {
	first, _, _ := strings.Cut(intent.Normalize(text), " ")
	if _, ok := yesWords[first]; ok {
		return AnswerYes
	}
	if _, ok := noWords[first]; ok {
		return AnswerNo
	}
	return AnswerUnknown
}
