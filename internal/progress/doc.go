// Package progress carries crawl progress events from the pipeline to
// observers. A Hub batches events on one goroutine and fans them out to
// sinks (logs, Prometheus, Pub/Sub, WebSocket subscribers) without ever
// blocking the crawl.
package progress
