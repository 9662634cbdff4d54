// Package host wires a document store node together: the HTTP document API
// and the gRPC membership service share one listener, writes are routed to
// their owner, applied locally and replicated to the selected peers.
package host
