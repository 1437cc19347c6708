// Package transitflow is an in-process mock of a real-time publish/subscribe
// fabric for bus tracking demos. Drivers publish position, passenger count and
// emergency messages to route topics; passengers subscribe to one route, cache
// the newest update per bus and raise arrival and crowding notifications.
// Nothing leaves the process: every client talks through a
// ConnectionSimulator whose virtual channels are Watermill gochannel topics
// with artificial latency.
//
// A minimal setup fills Config (DefaultConfig or LoadConfig), builds a
// Simulation with NewSimulation and calls StartSimulation; see
// examples/simple for wiring a single driver and passenger by hand.
//
// # Delivery
//
// TopicManager fans a DriverMessage out to every subscriber of its route
// concurrently. A driver that is offline diverts messages into its
// OfflineQueue, which deduplicates by message id, coalesces location updates
// per bus and retries with exponential backoff until the queue drains or a
// message runs out of attempts.
//
// # Observability
//
// Monitor follows every message along its path, mirrors paths as
// OpenTelemetry spans and exports Prometheus collectors. It classifies health
// from the recent success rate and latency and publishes a Snapshot every
// SnapshotInterval. Monitor.Handler serves the latest snapshot as JSON.
//
// # Notifications
//
// Passenger notifications go to a NotificationSink. NotificationDispatcher
// consumes them from any registered transport (channel, kafka, rabbitmq, aws,
// nats, http, io) through a Watermill router with correlation id, logging,
// tracing, metrics, retry, poison queue and recoverer middleware, and hands
// them to a NotificationRenderer guarded by a circuit breaker.
package transitflow
