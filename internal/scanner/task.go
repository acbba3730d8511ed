package scanner

import "time"

// Task is a single query submitted to the worker pool.
type Task struct {
	Index int // position in the input list
	Query string
}

// TaskState is a step in the life of a query task.
type TaskState int

const (
	StatePending TaskState = iota
	StateRateLimitWait
	StateRequesting
	StateRetryWait
	StateSucceeded
	StateEmptyResult
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRateLimitWait:
		return "rate-limit-wait"
	case StateRequesting:
		return "requesting"
	case StateRetryWait:
		return "retry-wait"
	case StateSucceeded:
		return "succeeded"
	case StateEmptyResult:
		return "empty"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateEmptyResult || s == StateFailed
}

// TaskResult is the terminal report for one task. Exactly one is produced
// per task a worker picks up.
type TaskResult struct {
	Task     Task
	State    TaskState
	Rows     [][]any // raw rows, only for StateSucceeded
	Report   RetryReport
	Err      error // *QueryFailed when State is StateFailed
	Duration time.Duration
}
