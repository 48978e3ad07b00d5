// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// wayfare-matchctl is the operator CLI for the matching service. It
// talks to the service's admin socket for overrides and state
// inspection, and can score a candidate file offline.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// defaultSocket matches the service's default admin socket path.
const defaultSocket = "/run/wayfare/matching-admin.sock"

// callTimeout bounds one admin socket round trip. Overrides run
// synchronously through the request's lane, so give them room.
const callTimeout = 30 * time.Second

type subcommand struct {
	name    string
	summary string
	run     func(args []string) error
}

var subcommands = []subcommand{
	{"state", "show a request's matching state", runState},
	{"matches", "show a request's full match history", runMatches},
	{"override", "apply a manual override to a live request", runOverride},
	{"score", "score a candidate file offline", runScore},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wayfare-matchctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage()
		if len(args) == 0 {
			return fmt.Errorf("subcommand required")
		}
		return nil
	}

	for _, sub := range subcommands {
		if sub.name == args[0] {
			return sub.run(args[1:])
		}
	}
	printUsage()
	return fmt.Errorf("unknown subcommand %q", args[0])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: wayfare-matchctl <subcommand> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Subcommands:")
	for _, sub := range subcommands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", sub.name, sub.summary)
	}
}

// commonFlags returns a flag set with the flags every socket-backed
// subcommand shares.
func commonFlags(name string) (*pflag.FlagSet, *string, *string) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	socket := flags.String("socket", defaultSocket, "admin socket path")
	requestID := flags.String("request", "", "request ID (required)")
	return flags, socket, requestID
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}
