// Package relay is a transactional-outbox toolkit: a unit of work that makes
// aggregate state and the domain events it raises durable atomically, a
// projector that guarantees those events eventually reach a message bus
// at-least-once, and inbox/idempotency stores that let consumers tolerate
// duplicate delivery.
//
// The root package carries cross-cutting plumbing: context tracking
// (logger, tracer, correlation id) and the Launcher that hosts long-running
// workers. The interesting parts live in the subpackages:
//
//   - relay/uow: the transaction boundary (harvest, atomic append, optimistic publish)
//   - relay/outbox: record model, storage port, and the projector worker
//   - relay/inbox: consumer-side deduplication
//   - relay/event: domain event envelopes and the deserialization registry
//   - relay/bus: message bus port with RabbitMQ and Kafka implementations
package relay
