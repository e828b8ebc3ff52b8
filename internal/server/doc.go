// Package server hosts the relaycast API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request ids, access
// logging, metrics, security headers, CORS, and rate limiting so every route
// shares the same protections and instrumentation. Authentication and the
// audit trail live in the API router.
package server
