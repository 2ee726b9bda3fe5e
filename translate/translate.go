package translate

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a helpful translation assistant."

// Config locates the OpenAI-compatible translation engine.
type Config struct {
	URL    string
	APIKey string
	Model  string
}

// Delta is one streamed piece of translated text. Err is set on the last
// delta when the stream failed mid-way.
type Delta struct {
	Content string
	Err     error
}

// Client streams text through a chat-completion translation engine.
type Client struct {
	client *openai.Client
	model  string
	logger *log.Logger
}

func NewClient(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.URL != "" {
		clientCfg.BaseURL = cfg.URL
	}
	return &Client{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}
}

// Stream submits one chunk for translation and returns a channel of
// translated deltas in arrival order. The channel closes when the upstream
// stream ends. A request that cannot be opened at all fails synchronously so
// the caller can retry.
func (c *Client) Stream(ctx context.Context, text, targetLanguage string) (<-chan Delta, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt(text, targetLanguage)},
		},
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("translation request failed: %w", err)
	}

	deltas := make(chan Delta)
	go func() {
		defer close(deltas)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case deltas <- Delta{Err: fmt.Errorf("translation stream failed: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case deltas <- Delta{Content: content}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return deltas, nil
}

// Translate runs the whole-body variant used by the stateless endpoint when
// the caller cannot consume a stream.
func (c *Client) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt(text, targetLanguage)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("translation request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("translation returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func prompt(text, targetLanguage string) string {
	return fmt.Sprintf(
		"Translate the following text to %s just return the translation. Text: %s",
		targetLanguage, text)
}
