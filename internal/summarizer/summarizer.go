// Package summarizer compresses one agent's conversation into the context
// string handed to the next agent.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/deepgram-devs/deepgram-voice-agent-multi-agent/internal/log"
)

const (
	// DefaultBaseURL is Groq's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"

	systemPrompt = "You are a conversation summarization expert. Provide concise, accurate summaries."
	maxTokens    = 300
	temperature  = 0.3
)

// Turn is one line of the transcript.
type Turn struct {
	Role    string
	Content string
}

// Request carries everything needed to summarize a handoff.
type Request struct {
	Transcript      []Turn
	PreviousContext string
	From            string
	To              string
}

// Summarizer turns a transcript into a context string.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

// Error is returned when no usable summary could be produced.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("summarizer: failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errEmpty = errors.New("empty completion")

// Config configures the chat-completions summarizer.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first one fails.
	Retries    int
	HTTPClient *http.Client
	Logger     log.Logger
}

// Client summarizes through an OpenAI-compatible chat completions API.
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
	retries int
	logger  log.Logger
}

// New builds a Client. The SDK's own retries are disabled; Config.Retries
// applies instead.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Client{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		logger:  log.OrDefault(cfg.Logger),
	}
}

// Summarize returns the context block for the next agent. An empty transcript
// yields the previous context unchanged without calling the backend.
func (c *Client) Summarize(ctx context.Context, req Request) (string, error) {
	if len(req.Transcript) == 0 {
		return req.PreviousContext, nil
	}
	prompt := BuildPrompt(req)

	var lastErr error
	attempts := 0
	for attempts <= c.retries {
		attempts++
		summary, err := c.complete(ctx, prompt)
		if err == nil {
			c.logger.Infof("summarizer: %s -> %s summary: %s", req.From, req.To, preview(summary, 100))
			return BuildContext(summary, Extract(req.Transcript)), nil
		}
		lastErr = err
		c.logger.Warnf("summarizer: attempt %d for %s -> %s failed: %v", attempts, req.From, req.To, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", &Error{Attempts: attempts, Err: lastErr}
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxTokens:   openai.Int(maxTokens),
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmpty
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errEmpty
	}
	return summary, nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
