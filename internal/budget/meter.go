package budget

import "github.com/payos/taskcore/internal/metrics"

// TaskMeter tracks cumulative token usage for a single claimed task. It is
// owned by exactly one worker goroutine, so no locking is needed.
type TaskMeter struct {
	cap   int
	used  int
	calls int
}

// NewTaskMeter creates a meter with the per-task token cap (0 = unlimited).
func NewTaskMeter(capTokens int) *TaskMeter {
	return &TaskMeter{cap: capTokens}
}

// Add records one inference call's usage and reports whether the per-task
// cap has now been reached or crossed.
func (m *TaskMeter) Add(inputTokens, outputTokens int) bool {
	m.used += inputTokens + outputTokens
	m.calls++
	return m.Exceeded()
}

// Exceeded reports whether cumulative usage reached the cap.
func (m *TaskMeter) Exceeded() bool {
	return m.cap > 0 && m.used >= m.cap
}

// Used returns cumulative tokens for the task.
func (m *TaskMeter) Used() int { return m.used }

// Calls returns the number of metered inference calls.
func (m *TaskMeter) Calls() int { return m.calls }

// Finish publishes the task's total usage metric.
func (m *TaskMeter) Finish() {
	metrics.TaskTokensUsed.Observe(float64(m.used))
}
