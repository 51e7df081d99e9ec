// Package anthropic adapts the Anthropic Messages API to the collaborator port.
package anthropic

import (
	"context"
	"errors"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

// Options configures the client
type Options struct {
	APIKey  string
	BaseURL string

	DefaultModel       string
	DefaultMaxTokens   int
	DefaultTemperature float64
}

// Client streams completions from Claude
type Client struct {
	client anthropic.Client
	opts   Options
	logger *zap.Logger
}

// NewClient creates a new Anthropic collaborator
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &Client{
		client: anthropic.NewClient(reqOpts...),
		opts:   opts,
		logger: logger,
	}, nil
}

// Generate streams the text of one Messages API call
func (c *Client) Generate(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params := c.buildParams(req)

		c.logger.Debug("calling anthropic",
			zap.String("model", string(params.Model)),
			zap.Int64("max_tokens", params.MaxTokens),
			zap.Int("messages", len(params.Messages)))

		stream := c.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if !yield(d.Text, nil) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason == anthropic.StopReasonMaxTokens && req.OnWarning != nil {
					req.OnWarning("response truncated: max tokens reached")
				}
			}
		}

		if err := stream.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			yield("", err)
		}
	}
}

func (c *Client) buildParams(req ports.GenerateRequest) anthropic.MessageNewParams {
	model := req.Limits.Model
	if model == "" {
		model = c.opts.DefaultModel
	}
	maxTokens := req.Limits.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.DefaultMaxTokens
	}
	temperature := req.Limits.Temperature
	if temperature == 0 {
		temperature = c.opts.DefaultTemperature
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    buildMessages(req.History, req.Instruction),
		Temperature: anthropic.Float(temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params
}

// buildMessages appends the instruction as the final user turn. The API wants
// alternating roles starting with the user, so adjacent turns of the same role
// are merged and a leading assistant turn is dropped.
func buildMessages(history []domain.Message, instruction string) []anthropic.MessageParam {
	type turn struct {
		role domain.Role
		text string
	}

	var turns []turn
	add := func(role domain.Role, text string) {
		if text == "" {
			return
		}
		if len(turns) == 0 && role != domain.RoleUser {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text += "\n\n" + text
			return
		}
		turns = append(turns, turn{role: role, text: text})
	}

	for _, m := range history {
		add(m.Role, m.Content)
	}
	add(domain.RoleUser, instruction)

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.text)
		if t.role == domain.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	return msgs
}
