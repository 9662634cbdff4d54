// Package client sends operations to other nodes over HTTP. Sends are
// asynchronous: the operation's completion handler runs on a client
// goroutine once the request finishes, fails or expires.
package client
