// Package httpserver exposes the sensor catalog API, the WebSocket stream
// endpoints and the operational probes on one echo server.
package httpserver
