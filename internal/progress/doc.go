// Package progress defines the lifecycle events a crawl emits (start, each
// dispatch and fetch, branch stops, completion) and a non-blocking Hub that
// batches them on a background goroutine before fanning them out to sinks
// such as logs, Prometheus or Postgres.
package progress
