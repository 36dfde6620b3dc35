// Package natsclient manages the NATS connection used for cluster event
// delivery and the JetStream key/value settings backend.
//
// The client wraps a single nats.Conn with a circuit breaker: repeated
// connection failures open the circuit and back off exponentially, so a
// flapping server is not hammered by every node at once. Core messaging
// (Publish, Subscribe) and JetStream KV access go through the client so
// every caller shares the breaker state.
package natsclient
