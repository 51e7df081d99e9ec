package workers

import (
	"regexp"
	"strings"
)

var (
	// closed reasoning blocks, e.g. <think>...</think>
	reasoningBlock = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)
	// a reasoning block the model never closed swallows the rest of the reply
	reasoningOpen = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*$`)
)

// StripReasoning removes internal reasoning annotations from model output
func StripReasoning(text string) string {
	text = reasoningBlock.ReplaceAllString(text, "")
	text = reasoningOpen.ReplaceAllString(text, "")
	return text
}

// CleanOutput strips reasoning markup and trims the result
func CleanOutput(text string) string {
	return strings.TrimSpace(StripReasoning(text))
}
