// Package http implements the HTTP transport for the consumption engine.
// Handlers stay thin: they bind and validate request bodies, resolve the
// caller principal from the X-Principal header, delegate to the service
// layer and render either the domain object or a structured error.
//
// Routes follow an action style with resource references carried in the
// request body, so all lookups and mutations are POSTs against short
// paths like /get, /checkout or /delete. Each handler exposes a Routes
// method returning a chi.Router that the application mounts under /api.
package http
