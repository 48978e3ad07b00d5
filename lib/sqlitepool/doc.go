// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the standard SQLite connection pool for
// Wayfare services that need local structured storage.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, NORMAL synchronous, busy timeout, in-memory temp
// store. The package is intentionally thin — it applies pragmas and
// exposes the underlying zombiezen types directly. Services write
// SQL, use sqlitex.Execute for cached statements, and manage
// transactions with sqlitex.ImmediateTransaction; there is no query
// builder and no ORM layer.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back. Connections are not safe for concurrent use — one goroutine,
// one connection, for the duration of the work.
package sqlitepool
