/*
Package reconciler converts subscriber lifecycle signals into FortiGate
mutations.

A signal is {action, data}: create when a session starts or a profile is
born, edit when an admin rewrites the rules, delete when the session stops
or the profile dies. The engine resolves two facts against the relational
state before touching any device: whether some shared policy already covers
the new rules hash (policy_id_by_hash) and whether the subscriber's current
policy is still referenced by any profile row (policy_id_exists). The
action plus those two facts select the device call sequence; the port
arguments are always the inverted pair from pkg/portmatrix.

Failover is whole-sequence: the ordered device list for the signal's
NAS-IP is tried one device at a time, and a failed step abandons that
device and restarts the entire sequence on the next. There is no rollback
of partial progress, the next signal for the same subscriber overwrites
whatever remained.

Server exposes the engine as POST /signal, answering the descriptive
result payload of each sequence, plus /keepalive and the standard health
and metrics endpoints.
*/
package reconciler
