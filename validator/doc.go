// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

// Package validator rejects code snippets that reference forbidden
// APIs before they reach the interpreter.
//
// The rule table is a fixed, ordered set of regular expressions
// embedded as rules.yaml. Most rules match against a stripped view of
// the code in which string literals and comments are blanked out, so
// that pattern text merely mentioned in a string or comment is not
// flagged. Directive rules match the original text, because their
// payload (a //go: compiler directive or an import line) is itself
// comment- or string-syntactic and would vanish from the stripped
// view.
//
// The validator is a defense-in-depth layer in front of the
// interpreter's restricted symbol table, not the sole guard. It never
// fails: [Validate] returns the list of violations, and an empty list
// means acceptance.
package validator
