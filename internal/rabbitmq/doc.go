// Package rabbitmq provides the RabbitMQ plumbing used by the rpcbridge.
//
// This package includes:
//   - ConnectionManager: Dials the broker once and reports connection loss
//   - Channel: The subset of *amqp.Channel the bridge relies on
//   - TopologyManager: Declares exchanges, queues, and bindings
//   - Consumer: Consumes a queue and hands deliveries to a handler
//   - Publisher: Fire-and-forget publishing with typed errors
//
// The bridge uses a single channel for the lifetime of the process. Connection
// failures are reported to the caller and never retried here.
package rabbitmq
