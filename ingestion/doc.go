// Package ingestion moves uploaded catalog files into the catalog.
//
// An upload flows through these stages:
//   - TicketIssuer grants a time-limited signed URL for uploaded/<name>.<ext>
//   - RecordParser streams the uploaded object one delimited row at a time
//   - RecordPublisher enqueues each row as its own unit of work
//   - BatchConsumer drains units in bounded batches and upserts catalog items
//   - CompletionNotifier publishes one CloudEvent per drained batch
//
// Pipeline ties the stages together. ImportObject handles one object and Run
// reacts to object-created events while draining the queue on a rate limited
// loop. Objects are imported concurrently on a worker pool, and units within a
// batch are processed concurrently on another.
//
// Delivery is at least once. A unit is acknowledged only after its item is
// written, and writes replace by item ID, so redelivery is harmless. Rejected
// units are left for redelivery and end up dead-lettered by queues that
// support it.
package ingestion
