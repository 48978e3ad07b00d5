// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/wayfare-travel/wayfare/lib/codec"
)

// dialTimeout bounds connecting to a service socket.
const dialTimeout = 5 * time.Second

// Call performs one request-response cycle against a service socket.
// The request must be a CBOR-marshalable value carrying an "action"
// field. If result is non-nil, the response data is decoded into it.
// A response with ok=false becomes an error.
func Call(ctx context.Context, socketPath string, request any, result any) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("service: dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(readTimeout))
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("service: writing request: %w", err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("service: reading response: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("service: %s", response.Error)
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("service: decoding response data: %w", err)
		}
	}
	return nil
}
