// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides shared plumbing for Wayfare service
// binaries: a CBOR request-response server on a Unix domain socket
// ([SocketServer]) and the matching client side ([Call]).
//
// The socket protocol is one request per connection: the client writes
// a single CBOR value with an "action" field, the server dispatches to
// the registered [ActionFunc] and writes a [Response]. CBOR is
// self-delimiting, so there is no framing layer.
//
// Physical access control determines who can reach a socket; the
// matching service's admin socket additionally requires an
// adminUserId and reason on every override request, which travel into
// the audit stream.
package service
