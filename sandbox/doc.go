// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox implements the capability surface that untrusted
// snippets are forced to program against.
//
// The central type is [Surface], which binds one broker configuration
// (strict mode, classified paths, chat endpoint) and grants scoped
// capabilities through the Request* combinators. Each combinator
// materializes a capability value — [Filesystem], [ExecPermission], or
// [Network] — passes it to a callback, and revokes it on every exit
// path. A revoked capability fails every subsequent operation with a
// [SecurityError], so a reference that leaks out of its granting scope
// is inert.
//
// Filesystem access is confined to the requested root: every path is
// resolved with symlink-safe joining and rejected when it escapes the
// root or when the capability's predicate rejects the relative portion.
// Paths declared classified in the configuration are reachable only
// through ReadClassified/WriteClassified, which traffic in [Classified]
// values; plain operations on them fail. The classified set attached to
// a Filesystem includes configured paths on either side of the root, so
// requesting a root inside a classified area, or an ancestor of one,
// still sees the area as protected.
//
// [Classified] is a taint-tracking container: it renders as the literal
// text "Classified(***)" and admits only pure transforms. While a
// transform runs, the surface is switched into a pure context in which
// every capability primitive and the chat endpoint fail, so a transform
// cannot be used to launder the carried value into an observable side
// effect.
package sandbox
