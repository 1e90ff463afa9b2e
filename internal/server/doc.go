// Package server implements the roomchat WebSocket server.
//
// A single Hub goroutine owns the presence Registry and processes admission,
// identity declaration, send events, and disconnection one at a time. Sender
// names come from the Resolver, and broadcast envelopes are handed to the
// Gateway, which persists them asynchronously. HTTP wiring (the upgrade
// endpoint, the health check, and origin admission) lives on Server.
package server
