// Package server exposes the realtime subsystem over HTTP.
//
// One chi router carries the websocket endpoint, the producer API used by
// server-side services to publish and read updates, and the health and
// metrics endpoints. Every route shares the same middleware chain of request
// IDs, security headers, CORS, metrics and request logging; the websocket
// handshake is additionally rate limited per client IP.
package server
