// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"errors"
	"fmt"
	"go/parser"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/safeexec-project/safeexec/sandbox"
	"github.com/safeexec-project/safeexec/validator"
)

// DefaultDiagnosticPrefix marks in-band compiler diagnostics in
// captured output. A snippet that prints a line starting with this
// prefix is reported as failed even when evaluation returned cleanly.
const DefaultDiagnosticPrefix = "-- [E"

// ExecutionResult is the outcome of running one snippet.
type ExecutionResult struct {
	// Success is false when validation rejected the snippet, when
	// evaluation failed, or when the output carried a compiler
	// diagnostic.
	Success bool

	// Output is the text the snippet printed.
	Output string

	// Error describes the failure; empty on success.
	Error string
}

// Options configures a session.
type Options struct {
	// Surface is the capability surface injected as the "sandbox"
	// package. Required.
	Surface *sandbox.Surface

	// WrapCode wraps each snippet in an immediately-invoked function
	// literal before evaluation. Intended for one-shot sessions;
	// persistent sessions leave it off so top-level definitions
	// survive between snippets.
	WrapCode bool

	// DiagnosticPrefix overrides [DefaultDiagnosticPrefix]. Empty
	// means the default.
	DiagnosticPrefix string
}

// allowedStdlib is the interpreter's standard-library surface, keyed
// the way yaegi's stdlib symbol table is. Everything else, in
// particular os, os/exec, net, reflect and unsafe, is simply absent
// from the symbol table, so even a snippet that slips past the
// validator cannot resolve those packages.
var allowedStdlib = []string{
	"errors/errors",
	"fmt/fmt",
	"math/math",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/utf8/utf8",
}

// preamble runs once at session creation. It imports the permitted
// packages and dot-imports the capability surface so snippets call
// RequestFilesystem and friends unqualified.
const preamble = `import (
	. "sandbox"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)
var _ = Classify
var _ = errors.New
var _ = fmt.Sprint
var _ = math.Abs
var _ = sort.Strings
var _ = strconv.Itoa
var _ = strings.TrimSpace
var _ = time.Second
var _ = utf8.RuneLen
`

// Session is one isolated interpreter instance. Execute calls on the
// same session are serialized; state persists between them. A session
// is single-owner: the broker routes all executes for an id through
// the same manager entry.
type Session struct {
	mutex            sync.Mutex
	interpreter      *interp.Interpreter
	buffer           *outputBuffer
	wrapCode         bool
	diagnosticPrefix string
	disposed         bool
}

// New constructs a session: a fresh interpreter with the restricted
// symbol table, the injected capability surface, and an evaluated
// preamble.
func New(options Options) (*Session, error) {
	if options.Surface == nil {
		return nil, errors.New("session: options carry no capability surface")
	}
	diagnosticPrefix := options.DiagnosticPrefix
	if diagnosticPrefix == "" {
		diagnosticPrefix = DefaultDiagnosticPrefix
	}

	buffer := &outputBuffer{}
	interpreter := interp.New(interp.Options{
		Stdout: buffer,
		Stderr: buffer,
	})
	if err := interpreter.Use(restrictedSymbols()); err != nil {
		return nil, fmt.Errorf("session: installing standard library subset: %w", err)
	}
	if err := interpreter.Use(surfaceSymbols(options.Surface)); err != nil {
		return nil, fmt.Errorf("session: installing capability surface: %w", err)
	}
	if _, err := interpreter.Eval(preamble); err != nil {
		return nil, fmt.Errorf("session: evaluating preamble: %w", err)
	}
	buffer.Reset()

	return &Session{
		interpreter:      interpreter,
		buffer:           buffer,
		wrapCode:         options.WrapCode,
		diagnosticPrefix: diagnosticPrefix,
	}, nil
}

// captureMutex serializes process-level output redirection. The
// interpreter's own Stdout option covers yaegi-printed output, but
// bound standard-library functions write to the real os.Stdout, so
// Execute swaps the process streams for the call duration; two
// sessions swapping concurrently would cross their captures.
var captureMutex sync.Mutex

// Execute validates and runs one snippet, returning the captured
// output and outcome. Validation failures never reach the
// interpreter.
func (s *Session) Execute(code string) (ExecutionResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.disposed {
		return ExecutionResult{}, errors.New("session: execute on a disposed session")
	}

	if violations := validator.Validate(code); len(violations) > 0 {
		return ExecutionResult{
			Success: false,
			Error:   validator.Report(violations),
		}, nil
	}

	// A snippet that is a single expression evaluates as-is and has
	// its value echoed, the way a REPL would. Anything else is a
	// statement sequence, which the wrap mode turns into an
	// immediately-invoked function literal.
	_, parseErr := parser.ParseExpr(code)
	isExpression := parseErr == nil
	if s.wrapCode && !isExpression {
		code = "func() {\n" + code + "\n}()"
	}

	s.buffer.Reset()
	value, evalErr := s.capturedEval(code)
	output := s.buffer.String()

	if evalErr != nil {
		return ExecutionResult{
			Success: false,
			Output:  output,
			Error:   describeEvalError(evalErr),
		}, nil
	}

	if isExpression && output == "" && value.IsValid() {
		output = fmt.Sprintf("%v\n", value)
	}

	result := ExecutionResult{Success: true, Output: output}
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, s.diagnosticPrefix) {
			result.Success = false
			break
		}
	}
	return result, nil
}

// capturedEval runs the interpreter with the process's stdout and
// stderr redirected into the session buffer. The streams are restored
// on every exit path, including interpreter panics that escape as
// errors.
func (s *Session) capturedEval(code string) (value reflect.Value, evalErr error) {
	captureMutex.Lock()
	defer captureMutex.Unlock()

	reader, writer, err := os.Pipe()
	if err != nil {
		return reflect.Value{}, fmt.Errorf("session: creating capture pipe: %w", err)
	}
	savedStdout, savedStderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = writer, writer

	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(s.buffer, reader)
		close(drained)
	}()

	defer func() {
		os.Stdout, os.Stderr = savedStdout, savedStderr
		_ = writer.Close()
		<-drained
		_ = reader.Close()
		if recovered := recover(); recovered != nil {
			evalErr = fmt.Errorf("panic: %v", recovered)
		}
	}()

	value, evalErr = s.interpreter.Eval(code)
	return value, evalErr
}

// describeEvalError renders an evaluation failure as "<Kind>: <message>".
func describeEvalError(err error) string {
	var interpreterPanic interp.Panic
	if errors.As(err, &interpreterPanic) {
		return fmt.Sprintf("Panic: %v", interpreterPanic.Value)
	}
	return fmt.Sprintf("EvalError: %v", err)
}

// Dispose marks the session dead. Subsequent Execute calls fail. Safe
// to call more than once.
func (s *Session) Dispose() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.disposed = true
}

// restrictedSymbols copies the allowed packages out of yaegi's full
// standard-library symbol table.
func restrictedSymbols() interp.Exports {
	restricted := make(interp.Exports, len(allowedStdlib))
	for _, path := range allowedStdlib {
		symbols, ok := stdlib.Symbols[path]
		if !ok {
			panic(fmt.Sprintf("session: stdlib symbol table has no %q", path))
		}
		restricted[path] = symbols
	}
	return restricted
}

// surfaceSymbols builds the injected "sandbox" package: the surface's
// combinators and primitives as bound functions, plus the capability
// types so snippets can name them.
func surfaceSymbols(surface *sandbox.Surface) interp.Exports {
	return interp.Exports{
		"sandbox/sandbox": {
			"RequestFilesystem":         reflect.ValueOf(surface.RequestFilesystem),
			"RequestFilesystemFiltered": reflect.ValueOf(surface.RequestFilesystemFiltered),
			"RequestExecPermission":     reflect.ValueOf(surface.RequestExecPermission),
			"RequestNetwork":            reflect.ValueOf(surface.RequestNetwork),
			"Classify":                  reflect.ValueOf(surface.Classify),
			"Chat":                      reflect.ValueOf(surface.Chat),
			"ChatClassified":            reflect.ValueOf(surface.ChatClassified),

			"Filesystem":     reflect.ValueOf((*sandbox.Filesystem)(nil)),
			"Entry":          reflect.ValueOf((*sandbox.Entry)(nil)),
			"GrepMatch":      reflect.ValueOf((*sandbox.GrepMatch)(nil)),
			"ExecPermission": reflect.ValueOf((*sandbox.ExecPermission)(nil)),
			"ProcessResult":  reflect.ValueOf((*sandbox.ProcessResult)(nil)),
			"Network":        reflect.ValueOf((*sandbox.Network)(nil)),
			"Classified":     reflect.ValueOf((*sandbox.Classified[string])(nil)),
		},
	}
}

// outputBuffer is a mutex-guarded byte buffer. The interpreter writes
// through its Stdout option while the capture goroutine drains the
// pipe carrying process-level output; both land here.
type outputBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (b *outputBuffer) Write(data []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(data)
}

func (b *outputBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

func (b *outputBuffer) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.buffer.Reset()
}
