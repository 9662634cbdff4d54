// Package it runs in-process multi-node clusters for integration tests.
package it
