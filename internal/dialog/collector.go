package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/tksa/receptionist/internal/ai"
)

// CollectResult is the outcome of one message-collection turn.
type CollectResult struct {
	Complete bool
	Info     map[string]string
	Response string
}

// MessageCollector drives the take-a-message dialog. It is stateless; the
// engine owns the conversation and the accumulated info.
type MessageCollector struct {
	chat   ChatCompleter
	system string
}

func NewMessageCollector(chat ChatCompleter, companyName string) *MessageCollector {
	return &MessageCollector{
		chat:   chat,
		system: collectSystemPrompt(companyName),
	}
}

type collectPayload struct {
	Complete bool `json:"complete"`
	Info     struct {
		Nom     string `json:"nom"`
		Societe string `json:"societe"`
		Sujet   string `json:"sujet"`
	} `json:"info"`
	NextQuestion string `json:"next_question"`
}

// CollectStep appends userText to the conversation and asks the model whether
// the message is complete. Malformed model JSON degrades to an incomplete
// turn with a generic follow-up question rather than an error.
func (c *MessageCollector) CollectStep(ctx context.Context, conversation []ai.Message, userText string) (CollectResult, error) {
	messages := make([]ai.Message, 0, len(conversation)+1)
	messages = append(messages, conversation...)
	messages = append(messages, ai.Message{Role: ai.RoleUser, Content: userText})

	raw, err := c.chat.CompleteJSON(ctx, c.system, messages, classifyTemperature)
	if err != nil {
		return CollectResult{}, fmt.Errorf("collect: %w", err)
	}

	var payload collectPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Printf("collector bad_json err=%v raw=%.80q", err, raw)
		return CollectResult{Response: PhraseMoreDetails}, nil
	}

	info := map[string]string{}
	for key, value := range map[string]string{
		"nom":     payload.Info.Nom,
		"societe": payload.Info.Societe,
		"sujet":   payload.Info.Sujet,
	} {
		if v := strings.TrimSpace(value); v != "" {
			info[key] = v
		}
	}

	if payload.Complete {
		return CollectResult{Complete: true, Info: info, Response: PhraseCollectClose}, nil
	}
	response := strings.TrimSpace(payload.NextQuestion)
	if response == "" {
		response = PhraseMoreDetails
	}
	return CollectResult{Info: info, Response: response}, nil
}

func collectSystemPrompt(companyName string) string {
	return fmt.Sprintf(`Tu es la réceptionniste virtuelle de %s.
L'appelant n'a pas pu joindre le service souhaité.
Tu dois collecter poliment :
1. Son nom
2. Sa société (si applicable)
3. Le sujet de son appel

Sois concis et professionnel. Une question à la fois.

À chaque tour, réponds UNIQUEMENT avec un objet JSON :
{
  "complete": true/false,
  "info": {"nom": "...", "societe": "...", "sujet": "..."},
  "next_question": "question à poser si pas complet"
}`, companyName)
}
