package scanner

import "fmt"

// TransientAPIError wraps an outcome that could succeed on a later attempt
// (rate limit, 5xx, network failure).
type TransientAPIError struct {
	Outcome Outcome
}

func (e *TransientAPIError) Error() string { return e.Outcome.String() }

// PermanentAPIError wraps an outcome that will not change on retry.
type PermanentAPIError struct {
	Outcome Outcome
}

func (e *PermanentAPIError) Error() string { return e.Outcome.String() }

// QueryFailed reports that a single query could not be completed. It never
// aborts the run.
type QueryFailed struct {
	Query    string
	Attempts int
	Err      error
}

func (e *QueryFailed) Error() string {
	return fmt.Sprintf("query %q failed after %d attempt(s): %v", e.Query, e.Attempts, e.Err)
}

func (e *QueryFailed) Unwrap() error { return e.Err }

// PersistenceError reports a failure to record an accepted record. It
// aborts the run since the seen set and the store may have diverged.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// outcomeError converts a non-success outcome into its typed error.
func outcomeError(o Outcome) error {
	if o.Transient() {
		return &TransientAPIError{Outcome: o}
	}
	return &PermanentAPIError{Outcome: o}
}
