package operation

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Request headers understood by the document store.
const (
	// ReplicationQuorumHeader overrides the replication success threshold for
	// a single write. The value is an integer or ReplicationQuorumAll.
	ReplicationQuorumHeader = "X-Docstore-Replication-Quorum"
	ReplicationQuorumAll    = "all"

	// FromReplicationHeader marks a request as a peer-side replicated write.
	FromReplicationHeader = "X-Docstore-From-Replication"

	// ForwardedHeader carries the ID of the node that forwarded a write to
	// its owner.
	ForwardedHeader = "X-Docstore-Forwarded"
)

const (
	// StatusCodeFailureThreshold is the lowest status code treated as a failure.
	StatusCodeFailureThreshold = http.StatusBadRequest

	ConnectionTagDefault     = "default"
	ConnectionTagReplication = "replication"

	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// Action is the verb of an operation.
type Action string

const (
	ActionGet    Action = http.MethodGet
	ActionPost   Action = http.MethodPost
	ActionPut    Action = http.MethodPut
	ActionPatch  Action = http.MethodPatch
	ActionDelete Action = http.MethodDelete
)

// CompletionHandler receives the outcome of an operation. err is nil on
// success.
type CompletionHandler func(op *Operation, err error)

// Operation is a request in flight. It is not safe for concurrent mutation;
// each goroutine that needs to change routing fields works on a Clone.
type Operation struct {
	Action      Action
	URI         *url.URL
	Headers     http.Header
	Body        []byte
	ContentType string
	StatusCode  int

	Expiration time.Time
	Referer    *url.URL
	RetryCount int
	Cookies    []*http.Cookie

	ConnectionTag     string
	ConnectionSharing bool
	FromReplication   bool

	Completion CompletionHandler
}

// New creates an operation for action against uri.
func New(action Action, uri *url.URL) *Operation {
	return &Operation{
		Action:        action,
		URI:           uri,
		Headers:       make(http.Header),
		ConnectionTag: ConnectionTagDefault,
	}
}

// RequestHeader returns the value of a request header and whether it was set.
func (o *Operation) RequestHeader(name string) (string, bool) {
	if o.Headers == nil {
		return "", false
	}
	values := o.Headers.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// SetRequestHeader replaces a request header.
func (o *Operation) SetRequestHeader(name, value string) {
	if o.Headers == nil {
		o.Headers = make(http.Header)
	}
	o.Headers.Set(name, value)
}

// RemoveRequestHeader deletes a request header.
func (o *Operation) RemoveRequestHeader(name string) {
	if o.Headers != nil {
		o.Headers.Del(name)
	}
}

// TransferRefererFrom copies the referer of src onto o.
func (o *Operation) TransferRefererFrom(src *Operation) {
	if src.Referer == nil {
		o.Referer = nil
		return
	}
	ref := *src.Referer
	o.Referer = &ref
}

// Clone returns a copy whose URI, headers and cookie list can be changed
// without affecting o. The body slice is shared and must not be mutated.
func (o *Operation) Clone() *Operation {
	c := *o
	if o.URI != nil {
		u := *o.URI
		c.URI = &u
	}
	if o.Referer != nil {
		r := *o.Referer
		c.Referer = &r
	}
	c.Headers = o.Headers.Clone()
	if o.Cookies != nil {
		c.Cookies = append([]*http.Cookie(nil), o.Cookies...)
	}
	return &c
}

// IsExpired reports whether the operation deadline has passed.
func (o *Operation) IsExpired(now time.Time) bool {
	return !o.Expiration.IsZero() && now.After(o.Expiration)
}

// Complete resolves the operation successfully.
func (o *Operation) Complete() {
	if o.StatusCode == 0 {
		o.StatusCode = http.StatusOK
	}
	if o.Completion != nil {
		o.Completion(o, nil)
	}
}

// Fail resolves the operation with err. A status code below the failure
// threshold is replaced with 500.
func (o *Operation) Fail(err error) {
	if o.StatusCode < StatusCodeFailureThreshold {
		o.StatusCode = http.StatusInternalServerError
	}
	if o.Completion != nil {
		o.Completion(o, err)
	}
}

func (o *Operation) String() string {
	target := "<nil>"
	if o.URI != nil {
		target = o.URI.String()
	}
	if o.StatusCode == 0 {
		return fmt.Sprintf("%s %s", o.Action, target)
	}
	return fmt.Sprintf("%s %s (status %d)", o.Action, target, o.StatusCode)
}
