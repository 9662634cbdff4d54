// Package replication propagates an owner's accepted write to the rest of its
// replication group and decides, under partial failure, whether the write
// succeeded.
//
// A round computes success and failure thresholds from the selected peer set
// before any I/O, counts the local node as one acknowledgment, fans the
// update out to every eligible peer and resolves the caller's operation
// exactly once: when enough peers acknowledge, when too many fail, or when
// every member has answered.
package replication
