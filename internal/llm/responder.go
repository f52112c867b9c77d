// Package llm produces spoken-style responses with a rolling conversation
// history.
package llm

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	openai "github.com/openai/openai-go/v3"
)

const systemPrompt = `You are Aura, a helpful voice assistant.
Your replies are read aloud, so keep them short, conversational and free of
markdown, lists or code. Answer directly; ask one brief question if you are
missing something essential.`

const defaultMaxExchanges = 10

type exchange struct {
	user      string
	assistant string
}

// Responder calls the chat API with the current conversation history. History
// lives here, not in the state machine: it spans turns within one
// conversation and is dropped when the conversation ends.
type Responder struct {
	client openai.Client
	model  openai.ChatModel

	mu      sync.Mutex
	history []exchange
	maxKeep int
}

func NewResponder(client openai.Client) *Responder {
	return &Responder{
		client:  client,
		model:   openai.ChatModelGPT5Nano,
		maxKeep: defaultMaxExchanges,
	}
}

func (r *Responder) Respond(ctx context.Context, transcript string) (string, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
	}
	r.mu.Lock()
	for _, ex := range r.history {
		msgs = append(msgs, openai.UserMessage(ex.user), openai.AssistantMessage(ex.assistant))
	}
	r.mu.Unlock()
	msgs = append(msgs, openai.UserMessage(transcript))

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    r.model,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("empty message content")
	}

	log.Debug("response ready", "chars", len(content))

	r.mu.Lock()
	r.history = append(r.history, exchange{user: transcript, assistant: content})
	if len(r.history) > r.maxKeep {
		r.history = r.history[len(r.history)-r.maxKeep:]
	}
	r.mu.Unlock()

	return content, nil
}

// Reset drops the history. Called when a conversation ends so the next wake
// word starts fresh.
func (r *Responder) Reset() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

// ExchangeCount reports retained history length.
func (r *Responder) ExchangeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}
