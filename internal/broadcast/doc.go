// Package broadcast implements the fan-out delivery pipeline.
//
// A broadcast is one logical send-to-many operation tracked by a persisted
// Record: the audience is resolved once at creation time, one delivery job
// is enqueued per recipient, and every job reports its final outcome exactly
// once into the record's counters. The report that brings
// sent+failed up to total finalizes the record's status, exactly once.
//
// Delivery semantics
//
// Jobs retry transient send failures in-process with a backoff schedule;
// permanent failures short-circuit. The underlying queue is at-least-once,
// so outcome reports are guarded by a set-if-absent idempotency marker keyed
// by (broadcast, recipient). Marker TTL expiry before a very slow broadcast
// completes is a tolerated rare race, not a correctness guarantee.
//
// Direct sends (no broadcast) are tracked by a per-recipient Message row
// instead of counters.
package broadcast
