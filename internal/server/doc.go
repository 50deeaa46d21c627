// Package server implements the relay's HTTP and WebSocket core: the hub
// that registers subscribers per channel and brokers publishes through the
// message store, the per-connection read/write pumps, and the HTTP surface
// for history retrieval and notification ingress.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
