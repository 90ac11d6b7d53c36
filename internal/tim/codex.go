package tim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// CodexDispatcher backs the in-process "codex" server (§4.4
// "(ADDED)"): codex.new seeds a plan session, codex.continue resumes
// one by session id. It wraps go-openai directly rather than the
// conversational agent loop elsewhere in this repo, since TIM only
// needs a single request/response per call, not multi-turn tool use.
type CodexDispatcher struct {
	client *openai.Client
	model  string

	mu       sync.Mutex
	sessions map[string][]openai.ChatCompletionMessage

	// OnPrompt, if set, is called with every codex.continue session id
	// and prompt text before the call is attempted — including when no
	// client is configured — so the caller can log the durable
	// mcp_codex_prompt event Property 9 requires even on failure.
	OnPrompt func(sessionID, text string)
}

// NewCodexDispatcher builds a dispatcher. An empty apiKey yields a
// dispatcher whose calls always fail, so callers degrade to
// agent.codex.unavailable (Property 9) instead of panicking.
func NewCodexDispatcher(apiKey, model string) *CodexDispatcher {
	var client *openai.Client
	if apiKey != "" {
		client = openai.NewClient(apiKey)
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &CodexDispatcher{client: client, model: model, sessions: make(map[string][]openai.ChatCompletionMessage)}
}

// New seeds a plan session from prompt and returns its session id, for
// the Agent Runtime's §4.6 step 2 best-effort call.
func (c *CodexDispatcher) New(ctx context.Context, prompt string) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("codex: no API key configured")
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("codex.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("codex.new: empty response")
	}

	sessionID := uuid.NewString()
	messages = append(messages, resp.Choices[0].Message)

	c.mu.Lock()
	c.sessions[sessionID] = messages
	c.mu.Unlock()

	return sessionID, nil
}

// Continue appends prompt to sessionID's transcript and returns the
// next assistant message.
func (c *CodexDispatcher) Continue(ctx context.Context, sessionID, prompt string) (string, error) {
	if c.OnPrompt != nil {
		c.OnPrompt(sessionID, prompt)
	}
	if c.client == nil {
		return "", fmt.Errorf("codex: no API key configured")
	}

	c.mu.Lock()
	history, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("codex.continue: unknown session %q", sessionID)
	}

	messages := append(append([]openai.ChatCompletionMessage{}, history...), openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("codex.continue: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("codex.continue: empty response")
	}

	messages = append(messages, resp.Choices[0].Message)
	c.mu.Lock()
	c.sessions[sessionID] = messages
	c.mu.Unlock()

	return resp.Choices[0].Message.Content, nil
}

// Dispatch implements Dispatcher for the "codex" server.
func (c *CodexDispatcher) Dispatch(ctx context.Context, tool string, params map[string]any) (any, error) {
	switch tool {
	case "health":
		return map[string]bool{"ok": c.client != nil}, nil
	case "new":
		prompt, _ := params["prompt"].(string)
		sessionID, err := c.New(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": sessionID}, nil
	case "continue":
		sessionID, _ := params["session_id"].(string)
		prompt, _ := params["prompt"].(string)
		reply, err := c.Continue(ctx, sessionID, prompt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"reply": reply}, nil
	default:
		return nil, fmt.Errorf("codex: unknown tool %q", tool)
	}
}
