package middleware

// HTTP header constants.
const (
	// HeaderRetryAfter is the Retry-After header name.
	HeaderRetryAfter = "Retry-After"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"

	// HeaderXForwardedFor is the X-Forwarded-For header name.
	HeaderXForwardedFor = "X-Forwarded-For"

	// HeaderRateLimitLimit carries the binding limit.
	HeaderRateLimitLimit = "X-RateLimit-Limit"

	// HeaderRateLimitRemaining carries the requests left.
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"

	// HeaderRateLimitReset carries the reset time as unix seconds.
	HeaderRateLimitReset = "X-RateLimit-Reset"
)

// Error bodies.
const (
	// ErrRateLimitExceeded is the body of a 429 response.
	ErrRateLimitExceeded = "rate limit exceeded"

	// ErrInternalServerError is the body of a 500 response.
	ErrInternalServerError = "internal server error"

	// ErrRequestEntityTooLarge is the body of a 413 response.
	ErrRequestEntityTooLarge = "request entity too large"
)
