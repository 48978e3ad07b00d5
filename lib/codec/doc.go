// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the wire serialization used across Wayfare
// services: CBOR with Core Deterministic Encoding. Domain events, the
// admin socket protocol, and persisted request snapshots all go
// through Marshal/Unmarshal here so the encoding options live in one
// place.
package codec
