// Package dialog holds the language understanding pieces of the receptionist:
// intent classification against the service directory and the message
// collection loop, plus the fixed phrases both rely on.
package dialog

import (
	"context"
	"fmt"
	"strings"

	"github.com/tksa/receptionist/internal/ai"
	"github.com/tksa/receptionist/internal/directory"
)

// ChatCompleter is the slice of the AI client the dialog layer needs.
type ChatCompleter interface {
	Complete(ctx context.Context, system string, messages []ai.Message, temperature float64) (string, error)
	CompleteJSON(ctx context.Context, system string, messages []ai.Message, temperature float64) (string, error)
}

const classifyTemperature = 0.3

// Intent is the outcome of classifying one caller utterance. Service is nil
// when the utterance was unclear; Response is then a clarification question.
type Intent struct {
	Service  *directory.Service
	Response string
}

// IntentClassifier maps a free-form utterance to a configured service.
type IntentClassifier struct {
	chat   ChatCompleter
	dir    directory.Directory
	system string
}

func NewIntentClassifier(chat ChatCompleter, companyName string, dir directory.Directory) *IntentClassifier {
	return &IntentClassifier{
		chat:   chat,
		dir:    dir,
		system: intentSystemPrompt(companyName, dir),
	}
}

// Classify asks the chat model for the requested service, then matches the
// reply against the directory by case-insensitive substring, first match
// winning. When a service matches, Response is the deterministic transfer
// announcement so its audio is a cache hit.
func (c *IntentClassifier) Classify(ctx context.Context, userText string) (Intent, error) {
	reply, err := c.chat.Complete(ctx, c.system,
		[]ai.Message{{Role: ai.RoleUser, Content: userText}}, classifyTemperature)
	if err != nil {
		return Intent{}, fmt.Errorf("classify: %w", err)
	}
	reply = strings.TrimSpace(reply)

	if svc, ok := c.dir.Match(reply); ok {
		return Intent{
			Service:  &svc,
			Response: TransferAnnouncement(svc.Name),
		}, nil
	}
	return Intent{Response: reply}, nil
}

func intentSystemPrompt(companyName string, dir directory.Directory) string {
	var services strings.Builder
	for _, s := range dir.Services() {
		fmt.Fprintf(&services, "- %s (extension %s)\n", s.Name, s.Extension)
	}
	return fmt.Sprintf(`Tu es la réceptionniste virtuelle de %s.
Tu parles français de manière professionnelle et chaleureuse.

Services disponibles :
%s
Ton rôle :
1. Comprendre quel service l'appelant souhaite joindre
2. Si tu comprends, retourne le nom exact du service
3. Si tu ne comprends pas, demande poliment de répéter

Réponds UNIQUEMENT avec le nom du service ou une question de clarification.
Ne fais pas de phrases longues.`, companyName, services.String())
}
