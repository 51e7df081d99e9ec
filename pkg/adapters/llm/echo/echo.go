// Package echo is a deterministic collaborator that needs no network access.
//
// Requests carrying a system prompt are planning requests and receive a fixed
// two-task plan. Every other request is answered by echoing the last line of
// its instruction, streamed word by word.
package echo

import (
	"context"
	"iter"
	"strings"

	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

// Plan is the graph returned for planning requests
const Plan = `{
  "tasks": [
    {"id": "task_1", "name": "Gather facts", "instruction": "List the facts relevant to the request.", "dependencies": [], "type": "chat"},
    {"id": "task_2", "name": "Draft answer", "instruction": "Draft an answer from the gathered facts.", "dependencies": ["task_1"], "type": "chat"}
  ],
  "final_summary_instruction": "Present the drafted answer."
}`

// Client is the echo collaborator
type Client struct {
	logger *zap.Logger
}

// NewClient creates a new echo collaborator
func NewClient(logger *zap.Logger) *Client {
	return &Client{logger: logger}
}

// Generate streams the canned reply for req
func (c *Client) Generate(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reply := c.reply(req)
		c.logger.Debug("echo reply", zap.Int("length", len(reply)))

		for _, word := range strings.SplitAfter(reply, " ") {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(word, nil) {
				return
			}
		}
	}
}

func (c *Client) reply(req ports.GenerateRequest) string {
	if req.SystemPrompt != "" {
		return Plan
	}
	lines := strings.Split(strings.TrimSpace(req.Instruction), "\n")
	return "echo: " + strings.TrimSpace(lines[len(lines)-1])
}
