package workers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps in-flight task ids to their cancel handles
type Registry struct {
	handles sync.Map // map[string]context.CancelFunc
	size    atomic.Int64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Track records the cancel handle of a task that is about to run
func (r *Registry) Track(taskID string, cancel context.CancelFunc) {
	if _, loaded := r.handles.Swap(taskID, cancel); !loaded {
		r.size.Add(1)
	}
}

// Untrack forgets a task once it has finished
func (r *Registry) Untrack(taskID string) {
	if _, loaded := r.handles.LoadAndDelete(taskID); loaded {
		r.size.Add(-1)
	}
}

// CancelAll cancels every tracked task and returns how many were signalled
func (r *Registry) CancelAll() int {
	n := 0
	r.handles.Range(func(_, value interface{}) bool {
		value.(context.CancelFunc)()
		n++
		return true
	})
	return n
}

// Clear drops every handle without cancelling it
func (r *Registry) Clear() {
	r.handles.Range(func(key, _ interface{}) bool {
		r.Untrack(key.(string))
		return true
	})
}

// Len returns the number of tracked tasks
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// IDs returns the tracked task ids, sorted
func (r *Registry) IDs() []string {
	var ids []string
	r.handles.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}
