// Package server hosts the Lectern management API and media gateway from a
// single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, rate limiting, CORS, security headers, and session auth so
// handlers all share common protections and instrumentation. Media routes
// bypass the session requirement because playback authorization is evaluated
// per request inside the handlers.
package server
