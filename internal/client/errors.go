package client

import (
	"fmt"

	"docstore/internal/operation"
)

// StatusError is a response with a failure status code.
type StatusError struct {
	Action     operation.Action
	URI        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) > 0 && len(e.Body) <= 256 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Action, e.URI, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Action, e.URI, e.StatusCode)
}
