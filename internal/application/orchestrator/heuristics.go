package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// DefaultMinMessageLength is the length above which a message is treated as complex
const DefaultMinMessageLength = 50

// complexityKeywords hint that a request benefits from decomposition
var complexityKeywords = []string{
	"analyze", "analyse", "compare", "investigate", "comprehensive",
	"step-by-step", "step by step", "how to implement",
	"分析", "比较", "对比", "调查", "研究", "全面", "详细", "步骤", "如何实现",
}

// ShouldUseThisMode is an advisory hint for callers deciding whether to route a
// message through plan mode. It is not consulted by the pipeline itself.
func ShouldUseThisMode(message string) bool {
	return shouldUsePlanMode(message, DefaultMinMessageLength)
}

func shouldUsePlanMode(message string, minLength int) bool {
	if utf8.RuneCountInString(message) > minLength {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
