// Package llm provides collaborator implementations.
//
// The factory creates a collaborator based on provider configuration.
// Currently supports:
//   - Anthropic Claude, streamed through the Messages API
//   - echo, a deterministic offline provider for local runs and tests
package llm
