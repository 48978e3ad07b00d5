// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the matching
// service.
//
// Configuration is loaded from a single YAML file specified by:
//   - the WAYFARE_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This keeps
// configuration deterministic and auditable with no hidden overrides.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when the environment
// matches. Validation runs at load time and any error is
// boot-blocking: the service never starts on a malformed season table,
// negative scoring weight, or missing bus endpoint.
package config
