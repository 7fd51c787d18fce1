// Package store defines the persistence contract for crawl progress. Concrete
// implementations live under internal/storage; this package must not import
// database drivers.
package store
