// Package types holds the shared domain model of radgate: subscriber
// firewall profiles, live RADIUS sessions, policy audit entries, and the
// signal payload exchanged between the admission router and the policy
// reconciler.
//
// It also defines the small interfaces (SignalSink, PolicyQuery,
// PolicyRecorder, Keepaliver) that decouple the services from each other:
// in-process implementations live next to their data, HTTP implementations
// live in pkg/client, and tests substitute fakes.
package types
