// Package storage holds the local copy of documents. Owner writes assign the
// next version; replicated writes from an owner are applied only when they
// supersede what is stored.
package storage
