// Package ai wraps the OpenAI API calls the receptionist depends on:
// speech synthesis, transcription and chat completion.
package ai

import (
	"context"
	"fmt"
	"io"
	"os"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Compiled-in model defaults; the receptionist has no per-call model choice.
const (
	chatModel = "gpt-4o-mini"
	sttModel  = "whisper-1"
	ttsModel  = "tts-1"
	ttsVoice  = "nova"
	language  = "fr"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client is a stateless wrapper around the OpenAI API. Concurrent calls are
// independent.
type Client struct {
	client oai.Client
}

// NewClient constructs a Client from an API key.
func NewClient(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ai: apiKey must not be empty")
	}
	return &Client{client: oai.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Synthesize converts text to WAV audio bytes. Callers are expected to go
// through the TTS cache rather than invoking this per utterance.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	res, err := c.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          ttsModel,
		Voice:          ttsVoice,
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: speech synthesis: %w", err)
	}
	defer res.Body.Close()

	audio, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("ai: read synthesized audio: %w", err)
	}
	return audio, nil
}

// Transcribe opens the recording at audioPath and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("ai: open recording: %w", err)
	}
	defer f.Close()

	transcript, err := c.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:     f,
		Model:    sttModel,
		Language: param.NewOpt(language),
	})
	if err != nil {
		return "", fmt.Errorf("ai: transcription: %w", err)
	}
	return transcript.Text, nil
}

// Complete runs a chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system string, messages []Message, temperature float64) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, buildParams(system, messages, temperature))
	if err != nil {
		return "", fmt.Errorf("ai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON runs a chat completion in JSON-only response mode and returns
// the raw JSON text; callers own parsing so they can decide how to degrade on
// malformed output.
func (c *Client) CompleteJSON(ctx context.Context, system string, messages []Message, temperature float64) (string, error) {
	params := buildParams(system, messages, temperature)
	params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("ai: chat completion (json): %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildParams(system string, messages []Message, temperature float64) oai.ChatCompletionNewParams {
	var msgs []oai.ChatCompletionMessageParamUnion
	if system != "" {
		msgs = append(msgs, oai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(chatModel),
		Messages: msgs,
	}
	if temperature != 0 {
		params.Temperature = param.NewOpt(temperature)
	}
	return params
}
