// Package portmatrix loads the static port catalogue and inverts subscriber
// rule selections against it.
//
// Subscribers submit ALLOW selections; the FortiGate deny-policy template
// needs the complement. The universe is the deduplicated sorted union of
// every catalogue token, and inversion preserves universe order, so equal
// selections always produce byte-identical inverted strings. That stability
// is what makes the rules-hash a safe dedup key for shared service objects.
package portmatrix
