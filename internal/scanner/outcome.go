package scanner

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of a single API attempt.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeEmpty
	OutcomeRateLimited
	OutcomeServerError
	OutcomeClientError
	OutcomeTransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeRateLimited:
		return "rate-limited"
	case OutcomeServerError:
		return "server-error"
	case OutcomeClientError:
		return "client-error"
	case OutcomeTransportError:
		return "transport-error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the tagged result of one request against the search API.
// Only the fields relevant to Kind are set.
type Outcome struct {
	Kind       OutcomeKind
	Rows       [][]any       // OutcomeOK
	Status     int           // HTTP status for server/client errors and rate limits
	RetryAfter time.Duration // OutcomeRateLimited
	Err        error         // cause for transport and client errors
}

// Terminal reports whether the outcome ends a query without a retry.
func (o Outcome) Terminal() bool {
	switch o.Kind {
	case OutcomeOK, OutcomeEmpty, OutcomeClientError:
		return true
	}
	return false
}

// Transient reports whether the outcome may succeed when tried again.
func (o Outcome) Transient() bool {
	return !o.Terminal()
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeOK:
		return fmt.Sprintf("ok (%d rows)", len(o.Rows))
	case OutcomeRateLimited:
		return fmt.Sprintf("rate limited (HTTP %d, retry after %s)", o.Status, o.RetryAfter)
	case OutcomeServerError:
		return fmt.Sprintf("server error (HTTP %d)", o.Status)
	case OutcomeClientError:
		if o.Err != nil {
			return fmt.Sprintf("client error (HTTP %d): %v", o.Status, o.Err)
		}
		return fmt.Sprintf("client error (HTTP %d)", o.Status)
	case OutcomeTransportError:
		return fmt.Sprintf("transport error: %v", o.Err)
	default:
		return o.Kind.String()
	}
}
