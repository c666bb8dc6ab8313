// Package api hosts the HTTP server, middleware, and handlers for the search
// core. Notable routes:
//   - GET /healthz and /readyz for probes; /readyz pings the store backend.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/v2/crawl, GET /api/v2/crawl/{session_id} and
//     POST /api/v2/crawl/{session_id}/cancel for crawl sessions.
//   - GET /api/search for ranked full-text queries.
//   - PUT, GET and DELETE /api/profiles/{id} for profile documents.
//   - WebSocket streams /datetime and /crawl-events?session_id=.
//
// Errors use the envelope {"code": "...", "message": "..."}; 5xx responses
// never carry internal error text.
package api
