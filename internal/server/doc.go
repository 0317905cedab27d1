// Package server implements the HTTP and WebSocket front end of the room broker.
//
// The Hub accepts upgraded sockets and drives them through the pubsub
// Broker; Client is the gorilla/websocket transport with its read and write
// pumps. The remaining files hold configuration, origin policy, per-connection
// rate limiting, logging, routing, and the HTTP handlers.
package server
