// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records every snippet the broker evaluates.
//
// A [Recorder] accepts executions through [Recorder.Record] and writes
// them from a single background goroutine, so recording never blocks
// an evaluation on disk latency. Each execution produces two payload
// files named
//
//	<UTC timestamp>_<seq>_<session>.code
//	<UTC timestamp>_<seq>_<session>.result
//
// where the timestamp has millisecond precision and seq is a
// monotonically increasing counter within the recorder's lifetime. The
// .code file holds the snippet verbatim; the .result file holds a JSON
// document with the outcome and a BLAKE3 digest of the code, tying the
// pair together.
//
// Payload files can be zstd-compressed (.zst suffix) and encrypted to
// an age X25519 recipient (.age suffix). Encryption follows
// compression, so a file carrying both wraps as code -> zstd -> age.
//
// Alongside the payload files the recorder appends one deterministic
// CBOR entry per execution to index.cbor, which survives across runs
// and gives tooling a scan-free view of the directory.
//
// Close drains the queue before returning; nothing handed to Record
// before Close is lost.
package audit
