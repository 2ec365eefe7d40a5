/*
Package api is the store service surface: one HTTP API over the relational
state serving three very different callers.

Admins drive the profile CRUD. Every write is gated on a live RADIUS
session for the target login; absent one, the handler retries the lookup
three times 500 ms apart, poking the application service with a keepalive
between attempts, and answers 400 when the subscriber never shows up. A
successful write joins the session attributes with the new rules and hash
and emits the matching signal to the reconciler.

The RADIUS observer POSTs attribute bags to /radius/event. Only Class "2"
(or "00000002") traffic is admitted; start inserts the session row and
stop removes it, each emitting a signal when a firewall profile exists for
the login.

The reconciler reads back its correlation facts through /query/policy_id
and persists outcomes through /policy_logs and
/firewall_profiles/update_policy_id.
*/
package api
