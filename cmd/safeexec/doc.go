// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Command safeexec is the MCP broker for sandboxed Go code execution.
//
// An orchestrating agent connects over stdio and drives the broker
// with JSON-RPC 2.0: one request per line in, one response per line
// out. The broker's tools evaluate Go snippets inside a restricted
// embedded interpreter whose only reach into the host is the
// capability surface (scoped filesystem, process, and network access,
// plus the classified-value operations). A static validator rejects
// snippets that mention forbidden APIs before they ever reach the
// interpreter.
//
// Configuration comes from flags and an optional JSONC file:
//
//	safeexec --record /var/log/safeexec --strict \
//	    --classified-paths /etc/secrets \
//	    --llm-base-url http://localhost:8080/v1 --llm-model qwen2.5-coder
//
// The process writes nothing but protocol frames to stdout; logs and
// the startup banner go to stderr.
package main
