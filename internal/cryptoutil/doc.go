// Package cryptoutil holds the small hashing and comparison primitives used
// when resolving client identity: constant-time comparison of shared secrets
// and SHA-256 hex digests of client addresses.
package cryptoutil
