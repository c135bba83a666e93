// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm provides a blocking client for OpenAI-compatible chat
// completion APIs.
//
// The broker uses one-shot completions only: a single user message in,
// the assistant text out. The [Client] speaks the Chat Completions
// wire format, which is implemented by OpenAI, Azure OpenAI,
// OpenRouter, vLLM, Ollama, llama.cpp, and most other inference
// servers, so any of them can serve as the broker's chat endpoint.
//
// API errors are surfaced as [*ProviderError] carrying the HTTP status
// and the provider's error type and message.
package llm
