package domain

import (
	"encoding/json"
	"fmt"
)

// TaskType enumerates the kinds of task a plan can contain
type TaskType string

const (
	// TaskTypeChat sends the task instruction to the collaborator as a chat turn.
	// It is the only kind currently executed.
	TaskTypeChat TaskType = "chat"
)

// TaskNode is one subtask of an execution graph
type TaskNode struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instruction  string   `json:"instruction"`
	Dependencies []string `json:"dependencies"`
	Type         TaskType `json:"type"`
}

// ExecutionGraph is the dependency graph derived from one user request
type ExecutionGraph struct {
	Tasks                   []TaskNode `json:"tasks"`
	FinalSummaryInstruction string     `json:"final_summary_instruction"`
}

// UnmarshalJSON decodes a graph and normalises missing fields so that
// an absent type means chat and an absent dependency list means none.
func (g *ExecutionGraph) UnmarshalJSON(data []byte) error {
	type rawGraph ExecutionGraph
	var raw rawGraph
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for i := range raw.Tasks {
		if raw.Tasks[i].Type == "" {
			raw.Tasks[i].Type = TaskTypeChat
		}
		if raw.Tasks[i].Dependencies == nil {
			raw.Tasks[i].Dependencies = []string{}
		}
	}

	*g = ExecutionGraph(raw)
	return nil
}

// Encode returns the JSON form of the graph
func (g *ExecutionGraph) Encode() (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to marshal graph: %w", err)
	}
	return string(data), nil
}

// DecodeGraph parses the JSON form of a graph
func DecodeGraph(data string) (*ExecutionGraph, error) {
	var g ExecutionGraph
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return &g, nil
}

// Task returns the task with the given id
func (g *ExecutionGraph) Task(id string) (TaskNode, bool) {
	for _, t := range g.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskNode{}, false
}

// LeafTasks returns, in graph order, the tasks no other task depends on.
func (g *ExecutionGraph) LeafTasks() []TaskNode {
	referenced := make(map[string]bool)
	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			referenced[dep] = true
		}
	}

	leaves := make([]TaskNode, 0, len(g.Tasks))
	for _, t := range g.Tasks {
		if !referenced[t.ID] {
			leaves = append(leaves, t)
		}
	}
	return leaves
}
