// Package ingest turns the appliance's UTM syslog stream into rows of the
// analytical store. Each datagram is parsed, filtered on type utm,
// normalized and projected onto the fixed report schema before a single
// Stream Load call ships it.
package ingest
