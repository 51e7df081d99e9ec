package domain

import "time"

// RunSnapshot is the status view of one pipeline run kept for API queries.
// It is written as the run progresses and is never used to resume a run.
type RunSnapshot struct {
	RunID      string                `json:"run_id"`
	Message    string                `json:"message"`
	State      ProcessingState       `json:"state"`
	Graph      *ExecutionGraph       `json:"graph,omitempty"`
	Tasks      map[string]TaskStatus `json:"tasks"`
	Answer     string                `json:"answer"`
	Error      string                `json:"error,omitempty"`
	Cancelled  bool                  `json:"cancelled"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// Finished reports whether the run has ended
func (s *RunSnapshot) Finished() bool {
	return s.FinishedAt != nil
}

// Clone returns a deep copy safe to hand to another goroutine
func (s *RunSnapshot) Clone() *RunSnapshot {
	c := *s
	c.Tasks = make(map[string]TaskStatus, len(s.Tasks))
	for id, st := range s.Tasks {
		c.Tasks[id] = st
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
