// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the broker's standard CBOR encoding
// configuration.
//
// SafeExec uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the JSON-RPC stdio transport, the
//     configuration file, and the per-execution .result files, all of
//     which humans and foreign tooling read.
//   - CBOR for internal records: the audit index, which is appended to
//     across runs and compared byte-for-byte in tests.
//
// This package holds the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC
// 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which is what makes appended index entries reproducible.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the append-only index file):
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
//
// Types serialized only as CBOR carry `cbor` struct tags; types that
// also appear in JSON output carry `json` tags, which fxamacker/cbor
// reads as a fallback. Never use both tags on the same field.
package codec
