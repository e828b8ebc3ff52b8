// Package api hosts the gin HTTP handlers that front the relaycast REST API.
//
// Handler coordinates request validation and response shaping while
// delegating job lifecycle work to the orchestrator and catalogue reads and
// writes (videos, profiles, pages) to a storage.Repository injected at
// construction time. The package does not reach for globals or singletons.
//
// Request ids, access logging, HTTP metrics, security headers, CORS, and rate
// limiting are applied by internal/server around the engine returned by
// NewRouter. Bearer authentication and the audit trail of mutating calls are
// applied by the router itself because they need the route group.
package api
