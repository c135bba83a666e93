// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the MCP server in front of the sandboxed
// evaluator.
//
// The broker speaks JSON-RPC 2.0 over newline-delimited stdio and
// exposes a fixed tool catalog: execute_stateless for one-shot
// evaluation, show_interface for the capability-surface reference,
// and the session tools (create_session, execute_in_session,
// delete_session, list_sessions) when a session manager is attached.
// Without a manager the session tools neither appear in tools/list
// nor answer tools/call.
//
// Evaluation failures are tool results with isError set, never
// JSON-RPC errors; the orchestrator is expected to read them and
// revise its code. JSON-RPC errors are reserved for protocol misuse:
// malformed frames, unknown methods, bad arguments, and references to
// sessions that do not exist.
//
// Every evaluation, successful or not, is offered to the audit
// recorder tagged with its session identifier (or "stateless").
package broker
