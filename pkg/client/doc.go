// Package client holds the typed HTTP clients the services use to talk to
// each other: signal delivery to the controller, policy queries and audit
// writes against the store, session keepalives toward the application
// service, and the directory listing consumed by the reporter.
//
// Each client carries its own http.Client with a fixed timeout (2 s for
// signal and keepalive, 3 s for store queries, 10 s for the directory) and
// implements the matching pkg/types contract, so in-process and over-the-
// wire deployments stay interchangeable.
package client
