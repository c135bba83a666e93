// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the broker configuration.
//
// Configuration comes from two places: an optional JSONC file named by
// --config, and the command-line flags themselves. Flags win on
// conflict, so a file can hold the durable deployment settings while a
// flag overrides one of them for a single run. The file format
// tolerates comments and trailing commas; unknown fields are ignored.
//
// The loaded [Config] is frozen: nothing mutates it after Load
// returns. Classified paths are normalized to absolute, cleaned form
// at load time so every downstream comparison is a plain prefix check.
//
// A partially specified chat endpoint (a base URL without a model, or
// vice versa) is never silently accepted: Load warns and disables chat.
package config
