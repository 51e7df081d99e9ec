package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/nishichengju/planmode/internal/application/workers"
	"github.com/nishichengju/planmode/internal/domain"
)

// ParseKind tags the outcome of turning planner output into a graph
type ParseKind int

const (
	Parsed ParseKind = iota
	ExtractionFailed
	ValidationFailed
)

func (k ParseKind) String() string {
	switch k {
	case Parsed:
		return "parsed"
	case ExtractionFailed:
		return "extraction_failed"
	case ValidationFailed:
		return "validation_failed"
	default:
		return fmt.Sprintf("ParseKind(%d)", int(k))
	}
}

// PlanParse is the outcome of ParsePlan. Graph is set only when Kind is Parsed;
// Reason is set otherwise.
type PlanParse struct {
	Kind   ParseKind
	Graph  *domain.ExecutionGraph
	Reason string
}

// Err converts a failed outcome into a PlanGenerationError
func (p PlanParse) Err() error {
	if p.Kind == Parsed {
		return nil
	}
	return &domain.PlanGenerationError{Reason: p.Kind.String() + ": " + p.Reason}
}

// ParsePlan extracts and validates the execution graph in planner output. The
// model may wrap the JSON in prose, code fences or reasoning markup, so the
// object is always re-extracted from the first '{' to the last '}'. Slightly
// malformed JSON gets one repair attempt before the outcome is ExtractionFailed.
func ParsePlan(output string, v *Validator) PlanParse {
	raw, ok := ExtractJSONObject(workers.StripReasoning(output))
	if !ok {
		return PlanParse{Kind: ExtractionFailed, Reason: "no JSON object found in planner output"}
	}

	graph, err := decodePlan(raw)
	if err != nil {
		return PlanParse{Kind: ExtractionFailed, Reason: err.Error()}
	}

	if ok, msg := v.Validate(graph); !ok {
		return PlanParse{Kind: ValidationFailed, Reason: msg}
	}
	return PlanParse{Kind: Parsed, Graph: graph}
}

// ExtractJSONObject returns the substring from the first '{' to the last '}'
func ExtractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func decodePlan(raw string) (*domain.ExecutionGraph, error) {
	var graph domain.ExecutionGraph
	err := json.Unmarshal([]byte(raw), &graph)
	if err == nil {
		return &graph, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	graph = domain.ExecutionGraph{}
	if err := json.Unmarshal([]byte(repaired), &graph); err != nil {
		return nil, fmt.Errorf("failed to parse repaired plan JSON: %w", err)
	}
	return &graph, nil
}
