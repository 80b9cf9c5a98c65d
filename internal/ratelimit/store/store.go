// Package store holds rate limit state. MemoryStore keeps per-key client
// state for the local path; ScriptRunner executes the atomic Lua scripts
// of the distributed path against a single Redis node.
package store

import (
	"errors"
	"strings"
)

// DefaultPrefix is prepended to every Redis key.
const DefaultPrefix = "avaguard:"

var (
	// ErrScriptUnavailable indicates the node cannot run Lua scripts. The
	// runner answers such checks with the non-atomic fallback.
	ErrScriptUnavailable = errors.New("atomic script unavailable")

	// ErrUnsupportedAlgorithm is returned for algorithms that have no
	// distributed implementation.
	ErrUnsupportedAlgorithm = errors.New("algorithm not supported by the distributed store")
)

// SlidingWindowKey returns the sorted set key of a sliding window.
func SlidingWindowKey(prefix, key string) string {
	return prefix + "sw:{" + key + "}"
}

// TokenBucketKey returns the hash key of a token bucket.
func TokenBucketKey(prefix, key string) string {
	return prefix + "tb:{" + key + "}"
}

// scriptUnavailableMarkers are fragments of server replies meaning that the
// node refuses scripting itself. Errors raised while a script runs, such as
// WRONGTYPE or READONLY, are ordinary store errors.
var scriptUnavailableMarkers = []string{
	"NOPERM",
	"unknown command",
	"scripting is disabled",
}

// isScriptUnavailable reports whether err means scripting cannot be used.
func isScriptUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrScriptUnavailable) {
		return true
	}
	msg := err.Error()
	for _, m := range scriptUnavailableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
