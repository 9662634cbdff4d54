// Package selector maps document keys to an owner node and the peer set that
// receives its replicated writes, using a consistent hashing ring with
// virtual nodes.
package selector
