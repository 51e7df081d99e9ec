// Package workers implements single-task execution for the planner.
//
// The runner sends one fully assembled task instruction to the collaborator,
// collects the streamed reply and cleans it:
//   - reasoning markup is stripped
//   - surrounding whitespace is trimmed
//
// The registry tracks cancel handles of in-flight tasks, and the health monitor
// reports run and task load to logs, metrics and health listeners.
package workers
