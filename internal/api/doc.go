// Package api hosts the gateway's HTTP server, middleware and handlers.
// Notable routes:
//   - GET /search and POST /fetch run the quota-gated scrape and the plain fetch.
//   - GET /get-ip, /reset-ip and /vpn-status expose the egress identity.
//   - POST /create_user registers API keys.
//   - GET /artifacts/* serves signed artifact handles for local backends.
//   - GET /health, /readyz and /metrics for liveness checks and Prometheus scraping.
package api
