// Package middleware provides gin middleware for the admin API: request
// IDs, panic recovery, access logging, tracing, body limits and admission
// control through the rate limiting engine.
package middleware
