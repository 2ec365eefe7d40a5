/*
Package store is the relational state layer: subscriber firewall profiles,
live RADIUS sessions, and the policy audit log, all in MySQL via sqlx.

The profile hash is computed here and only here. ProfileHash is the MD5 of
"tcp_rules|udp_rules" over the raw submitted strings, so two profiles with
identical allow-lists always share one hash, one FortiGate service object
and one shared policy. Rewriting a profile clears its policy_id; the
reconciler re-binds it once the edit sequence lands on a device.

Store satisfies the reconciler's PolicyQuery and PolicyRecorder contracts
natively; the HTTP equivalents in pkg/client exist for split deployments.
*/
package store
