package assignment

import (
	"fmt"
	"net/http"
)

// ServiceError reports an assignment API call that failed after every
// retry, either because the API was unreachable or because it rejected
// the request.
type ServiceError struct {
	Op         string // fetch_user, post_pulse, post_state, ping
	URL        string
	StatusCode int // 0 when no response arrived
	Attempts   int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("assignment %s %s: HTTP %d after %d attempt(s): %v",
			e.Op, e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("assignment %s %s: %d attempt(s): %v", e.Op, e.URL, e.Attempts, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Rejected reports whether the API answered with a client error, which
// retrying will not fix.
func (e *ServiceError) Rejected() bool {
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}
