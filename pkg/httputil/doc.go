// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, request parsing and shared middleware.
//
// # Responses
//
// Every error body has the same shape:
//
//	{"error": "tokens must be positive, got 0"}
//
// WriteJSON sets the content type and status before encoding, and the Write*
// helpers map common failures onto their status codes.
//
// # Requests
//
// ParseJSONOrError, ParsePathStringOrError and ParseQueryIntOrError write a 400
// response and return false when the input is unusable, so handlers can bail out
// with a single if statement:
//
//	var req recordUsageRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//
// # Middleware
//
//   - RequestIDMiddleware: Propagates or generates X-Request-ID and stores it in the context
//   - LoggingMiddleware: One structured log line per request
//   - RecoveryMiddleware: Converts handler panics into 500 responses
//   - APIKeyMiddleware: Shared-secret guard for operator endpoints
//   - MaxBytesMiddleware: Request body size limit
//
// Chain composes them outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)(router)
package httputil
