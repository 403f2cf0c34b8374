package httpparse

// Limits are the DoS limits of spec.md §4.3, deliberately tight by default.
type Limits struct {
	MaxRequestLineBytes int   // CRLF excluded
	MaxHeaderBytes       int   // total header-section bytes
	MaxHeaderCount       int
	MaxBodyBytes         int64
}

// DefaultLimits mirror common small-server defaults: generous enough for
// real browsers, tight enough to bound a single connection's footprint.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestLineBytes: 8 * 1024,
		MaxHeaderBytes:       16 * 1024,
		MaxHeaderCount:       100,
		MaxBodyBytes:         0, // 0 disables the parser's own cap; the router checks only a declared Content-Length against client_max_body_size, so chunked bodies are not capped
	}
}
