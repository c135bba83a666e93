// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs validated code snippets in embedded Go
// interpreters.
//
// A [Session] owns one yaegi interpreter whose symbol table is
// restricted to a safe subset of the standard library plus an injected
// "sandbox" package exporting the broker's capability surface. Every
// [Session.Execute] call validates the snippet first, captures the
// process output produced while it runs, and reports the outcome as an
// [ExecutionResult]. Interpreter state persists across Execute calls
// on the same session, so a snippet can define values that later
// snippets use.
//
// The [Manager] tracks named sessions for the broker's session tools:
// identifiers are 128-bit random values, so one client cannot reach
// another's session by guessing.
package session
