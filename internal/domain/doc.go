// Package domain holds the value types shared by the planner: execution graphs,
// task and processing status, progress events and the typed errors of each phase.
//
// Types here carry no behaviour beyond encoding and rendering; scheduling lives in
// the orchestrator package.
package domain
