// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// chatTimeout bounds one round trip to the chat endpoint.
const chatTimeout = 60 * time.Second

// ChatClient is the contract to the remote chat endpoint. lib/llm
// provides the concrete implementation; the surface depends only on
// this interface so the capability layer carries no wire-format
// knowledge.
type ChatClient interface {
	// Chat submits one user message and returns the assistant text.
	Chat(ctx context.Context, prompt string) (string, error)
}

// Config is the frozen slice of broker configuration the capability
// surface needs: the strict flag for process capabilities, the
// classified path set, and the optional chat client.
type Config struct {
	// Strict enables the fixed file-operation command block on every
	// process capability.
	Strict bool

	// ClassifiedPaths are the protected paths. Normalized to
	// absolute, cleaned form at surface construction.
	ClassifiedPaths []string

	// Chat is the configured chat endpoint, or nil when the broker
	// runs without one.
	Chat ChatClient
}

// Surface is one concrete capability surface bound to a broker
// configuration. Each interpreter session exposes exactly one Surface
// to the code it runs; sessions never share a Surface.
type Surface struct {
	strict     bool
	classified []string
	chat       ChatClient
	gate       *purityGate
}

// NewSurface constructs a Surface from configuration. Classified
// paths are normalized to absolute, cleaned form.
func NewSurface(cfg Config) *Surface {
	classified := make([]string, 0, len(cfg.ClassifiedPaths))
	for _, entry := range cfg.ClassifiedPaths {
		if entry == "" {
			continue
		}
		absolute, err := filepath.Abs(entry)
		if err != nil {
			absolute = filepath.Clean(entry)
		}
		classified = append(classified, filepath.Clean(absolute))
	}
	return &Surface{
		strict:     cfg.Strict,
		classified: classified,
		chat:       cfg.Chat,
		gate:       &purityGate{},
	}
}

// RequestFilesystem grants a filesystem capability rooted at root for
// the dynamic extent of fn. The capability is revoked on every exit
// path, including panics.
func (s *Surface) RequestFilesystem(root string, fn func(*Filesystem) error) error {
	return s.RequestFilesystemFiltered(root, nil, fn)
}

// RequestFilesystemFiltered is RequestFilesystem with an additional
// predicate over slash-separated relative paths; Access rejects any
// path the predicate refuses.
func (s *Surface) RequestFilesystemFiltered(root string, allow func(relative string) bool, fn func(*Filesystem) error) error {
	if err := s.gate.check("request_filesystem"); err != nil {
		return err
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving root %q: %w", root, err)
	}
	absolute = filepath.Clean(absolute)

	capabilityGuard := newGuard()
	defer capabilityGuard.revoke()

	fs := &Filesystem{
		guard:      capabilityGuard,
		gate:       s.gate,
		root:       absolute,
		allow:      allow,
		classified: s.relevantClassified(absolute),
	}
	return fn(fs)
}

// relevantClassified intersects the configured classified set with a
// filesystem root in both directions: paths below the root are kept,
// and so are ancestors of the root. The ancestor rule prevents a
// drill-through bypass — requesting a subtree inside a classified
// area still sees that area as classified.
func (s *Surface) relevantClassified(root string) []string {
	var relevant []string
	for _, entry := range s.classified {
		below := entry == root || strings.HasPrefix(entry, root+string(filepath.Separator))
		above := strings.HasPrefix(root, entry+string(filepath.Separator))
		if below || above {
			relevant = append(relevant, entry)
		}
	}
	return relevant
}

// RequestExecPermission grants a process capability for the given
// command base names for the dynamic extent of fn.
func (s *Surface) RequestExecPermission(commands []string, fn func(*ExecPermission) error) error {
	if err := s.gate.check("request_exec_permission"); err != nil {
		return err
	}
	allowed := make(map[string]bool, len(commands))
	for _, command := range commands {
		allowed[filepath.Base(command)] = true
	}

	capabilityGuard := newGuard()
	defer capabilityGuard.revoke()

	permission := &ExecPermission{
		guard:   capabilityGuard,
		gate:    s.gate,
		allowed: allowed,
		strict:  s.strict,
	}
	return fn(permission)
}

// RequestNetwork grants a network capability for the given host names
// for the dynamic extent of fn.
func (s *Surface) RequestNetwork(hosts []string, fn func(*Network) error) error {
	if err := s.gate.check("request_network"); err != nil {
		return err
	}
	capabilityGuard := newGuard()
	defer capabilityGuard.revoke()

	return fn(newNetwork(capabilityGuard, s.gate, hosts))
}

// Classify wraps a string in a Classified value bound to this
// surface's purity gate.
func (s *Surface) Classify(value string) Classified[string] {
	return newClassified(value, s.gate)
}

// ClassifyValue wraps an arbitrary value in a Classified value bound
// to the surface's purity gate.
func ClassifyValue[T any](s *Surface, value T) Classified[T] {
	return newClassified(value, s.gate)
}

// Chat submits one user message to the configured chat endpoint and
// returns the assistant text. Fails when no endpoint is configured or
// when called from inside a Classified transform.
func (s *Surface) Chat(text string) (string, error) {
	if err := s.gate.check("chat"); err != nil {
		return "", err
	}
	if s.chat == nil {
		return "", fmt.Errorf("chat endpoint not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
	defer cancel()
	return s.chat.Chat(ctx, text)
}

// ChatClassified submits a Classified prompt and returns the
// assistant text rewrapped. The prompt text is unwrapped only for the
// duration of the request and never rendered.
func (s *Surface) ChatClassified(prompt Classified[string]) (Classified[string], error) {
	if err := s.gate.check("chat"); err != nil {
		return Classified[string]{}, err
	}
	if s.chat == nil {
		return Classified[string]{}, fmt.Errorf("chat endpoint not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
	defer cancel()
	reply, err := s.chat.Chat(ctx, prompt.unwrap())
	if err != nil {
		return Classified[string]{}, err
	}
	return newClassified(reply, s.gate), nil
}

//go:embed interface_reference.md
var interfaceReference string

// InterfaceReference returns the fixed textual description of the
// capability surface, intended to be displayed verbatim to the
// orchestrating agent.
func (s *Surface) InterfaceReference() string {
	return interfaceReference
}
