// Package orchestrator implements plan mode: decomposing a request into a
// dependency graph of subtasks, executing it and synthesizing the answer.
//
// A run goes through:
//   - Planning: one collaborator call produces the graph as JSON
//   - Validation: the graph must be non-empty, acyclic and fully resolvable
//   - Execution: the coordinator runs ready tasks wave by wave, in parallel
//   - Summarization: the leaf results are merged into the final answer
//
// The manager tracks active runs, publishes their events to the event bus and
// keeps a status snapshot of each run in snapshot storage.
package orchestrator
