// Package starrocks talks to the analytical store twice over: Stream Load
// HTTP ingestion for the UTM pipeline and MySQL-protocol queries for the
// daily reports.
package starrocks
