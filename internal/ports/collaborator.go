package ports

import (
	"context"
	"iter"

	"github.com/nishichengju/planmode/internal/domain"
)

// GenerateRequest is one self-contained call to the language-model collaborator
type GenerateRequest struct {
	// SystemPrompt is optional
	SystemPrompt string
	Instruction  string
	// History is the main conversation; nil for isolated calls
	History []domain.Message
	Limits  domain.Limits
	// OnWarning receives non-fatal warnings without aborting the call
	OnWarning func(msg string)
}

// Collaborator generates text for an instruction. The returned sequence yields
// text chunks; a failure ends it with a non-nil error. Implementations must stop
// promptly once ctx is done.
type Collaborator interface {
	Generate(ctx context.Context, req GenerateRequest) iter.Seq2[string, error]
}

// CollaboratorFunc adapts a function to Collaborator
type CollaboratorFunc func(ctx context.Context, req GenerateRequest) iter.Seq2[string, error]

// Generate calls f
func (f CollaboratorFunc) Generate(ctx context.Context, req GenerateRequest) iter.Seq2[string, error] {
	return f(ctx, req)
}
