// Package delivery implements the enqueue side of campaign delivery.
//
// The service resolves a recipient selection into a deduplicated,
// consent-filtered recipient set, writes the send batch and its queue
// records in one transaction, maintains schedule entries, and serves the
// read-side stats views. Draining the queue is the worker package's job;
// this package only fires the processing trigger.
//
// Repository implementations live in repository/postgres/.
package delivery
