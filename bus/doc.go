// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the client for the Wayfare event bus, the transport
// that carries every domain event between services.
//
// [Client] speaks HTTP with CBOR bodies: Publish sends one [Envelope]
// to a topic, Consume long-polls a consumer group with a resumable
// cursor, and Health probes readiness at boot. Delivery is
// at-least-once — the bus may redeliver across cursor resets and the
// matching engine deduplicates on its own ledger — and the bus
// additionally deduplicates publishes on EventID so that retried
// sends of the same logical event collapse.
//
// API errors decode into [*Error] with the bus's stable error code
// and the HTTP status. [Retryable] classifies failures for the
// publisher's backoff loop: transport errors and 5xx retry, 4xx does
// not.
package bus
