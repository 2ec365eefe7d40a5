/*
Package report produces the daily per-subscriber security digests.

A scheduler queries every directory user's previous reporting window (the
08:00 to 08:00 day) in a bounded worker pool and emails either a no-events
notice or a signed link. The link lands on the token-protected server here,
which re-runs the query and renders the events as an HTML page, a CSV
download or the legacy HTML-in-XLS export.
*/
package report
