/*
Package fortigate is the REST gateway to the FortiGate appliances.

Every operation targets the device address it is handed, so one Client
serves a whole failover set. Calls authenticate with a bearer API token
over HTTPS; certificate verification is off because the devices live on a
closed management network with self-signed certificates. Per-call timeout
is 3 seconds and any transport error or non-2xx status surfaces as an
error, which the reconciler reads as "this device failed".

Policy edits are read-modify-write: EditPolicy fetches the current object,
adjusts srcaddr/srcaddr6 membership (add, remove) or the object name
(rename), and writes it back. A policy the device does not know yields a
zero mkey without an error, absence is an answer, not a failure.
*/
package fortigate
