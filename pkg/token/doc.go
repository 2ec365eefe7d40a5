// Package token signs and verifies the report links embedded in daily
// digest emails. A token binds a login to a report date under the shared
// email secret, so the report endpoints can serve per-subscriber data
// without sessions or directory lookups.
package token
