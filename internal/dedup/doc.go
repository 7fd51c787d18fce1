// Package dedup groups the visited-set stores the frontier consults before
// queueing a URL: an in-process map, a bloom pre-filter and a Postgres table
// shared across crawler processes.
package dedup
