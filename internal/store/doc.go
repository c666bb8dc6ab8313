// Package store defines the persistence contract for documents, crawl
// sessions, frontier state, robots cache entries and leases. Backends live in
// internal/storage; this package must not import database drivers or
// concrete clients.
package store
