// Package audit records security-relevant operations asynchronously.
//
// # Components
//
//   - [Sink] receives events (channel, JSON writer, zap logger, no-op).
//   - [Dispatcher] relays events to a sink on a bounded background queue.
//   - [Event] carries a snowflake id, the operation, tenant, user, device
//     and outcome.
//
// # Architecture boundaries
//
// This package owns buffering and delivery. The engine decides which events
// to emit. Sink failures are logged by the queue and never reach the caller.
package audit
