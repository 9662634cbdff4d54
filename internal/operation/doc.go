// Package operation models a single in-flight request between nodes: its
// action and target, payload, deadline, routing hints and the completion
// handler that eventually receives its outcome.
package operation
