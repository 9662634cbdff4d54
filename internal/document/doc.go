// Package document defines the linked document state stored by each node and
// the service options that govern how writes to it are replicated.
package document
