package conversation

import (
	"fmt"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// Templates holds the fixed user-facing texts the service emits itself.
// Everything else comes from the router or the intent catalog.
type Templates struct {
	ConfirmPrompt   string // %s is the tool description or name
	Done            string
	DoneWithResult  string // %v is the tool result
	Canceled        string
	AlreadyAnswered string
	Expired         string
	Handoff         string
	IntentFallback  string // %s is the intent name
	Unavailable     string
	RateLimited     string
	Failed          string
}

func DefaultTemplates() Templates {
	return Templates{
		ConfirmPrompt:   "Posso prosseguir com: %s? Responda sim ou não.",
		Done:            "Pronto, feito!",
		DoneWithResult:  "Pronto! %v",
		Canceled:        "Tudo bem, cancelei.",
		AlreadyAnswered: "Essa confirmação já foi respondida.",
		Expired:         "A confirmação expirou. Peça novamente se ainda quiser.",
		Handoff:         "Vou transferir você para um atendente.",
		IntentFallback:  "Entendi: %s.",
		Unavailable:     "Esse serviço está temporariamente indisponível. Tente novamente em alguns minutos.",
		RateLimited:     "Recebi muitas solicitações agora. Tente novamente em instantes.",
		Failed:          "Não consegui concluir a ação agora.",
	}
}

func (t Templates) prompt(desc models.ToolDescriptor) string {
	what := desc.Description
	if what == "" {
		what = desc.Name
	}
	return fmt.Sprintf(t.ConfirmPrompt, what)
}

func (t Templates) outcome(out *models.ToolInvocationOutcome) string {
	if out.Success {
		if s, ok := out.Result.(string); ok && s != "" {
			return fmt.Sprintf(t.DoneWithResult, s)
		}
		return t.Done
	}
	switch out.ErrorKind {
	case models.ErrRateLimited:
		return t.RateLimited
	case models.ErrCircuitOpen, models.ErrCircuitHalfOpenLimited, models.ErrTimeout, models.ErrTransient:
		return t.Unavailable
	default:
		return t.Failed
	}
}
