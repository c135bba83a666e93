// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/safeexec-project/safeexec/lib/audit"
	"github.com/safeexec-project/safeexec/sandbox"
	"github.com/safeexec-project/safeexec/session"
)

// statelessID tags one-shot executions in the audit trail.
const statelessID = "stateless"

// Options configures a Server.
type Options struct {
	// Surface is the capability surface shared by every session.
	Surface *sandbox.Surface

	// Manager tracks the named sessions. Nil hides the session tools.
	Manager *session.Manager

	// NewStateless mints the throwaway session behind execute_stateless.
	NewStateless func() (*session.Session, error)

	// Recorder receives every execution. Nil disables recording.
	Recorder *audit.Recorder

	// Logger receives per-call diagnostics. Nil falls back to
	// slog.Default.
	Logger *slog.Logger

	// Version is reported in the initialize response.
	Version string
}

// Server is the MCP broker: it exposes the sandboxed evaluator as
// tools over JSON-RPC 2.0 on newline-delimited stdio.
type Server struct {
	surface      *sandbox.Surface
	manager      *session.Manager
	newStateless func() (*session.Session, error)
	recorder     *audit.Recorder
	logger       *slog.Logger
	version      string

	tools       []toolEntry
	toolsByName map[string]*toolEntry
	initialized bool
}

// toolEntry binds a tool description to its handler. The handler
// returns the text for the result's content block; a *callError return
// becomes a JSON-RPC error response instead of a tool result.
type toolEntry struct {
	description toolDescription
	sessionOnly bool
	handle      func(arguments json.RawMessage) (text string, isError bool, err error)
}

// callError is a protocol-level failure: malformed arguments or an
// unknown session. It surfaces as a JSON-RPC error, not a tool result.
type callError struct {
	code    int
	message string
}

func (err *callError) Error() string { return err.message }

// NewServer assembles the broker's tool table.
func NewServer(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		surface:      options.Surface,
		manager:      options.Manager,
		newStateless: options.NewStateless,
		recorder:     options.Recorder,
		logger:       logger,
		version:      options.Version,
	}
	server.tools = server.buildTools()
	server.toolsByName = make(map[string]*toolEntry, len(server.tools))
	for i := range server.tools {
		entry := &server.tools[i]
		server.toolsByName[entry.description.Name] = entry
	}
	return server
}

// Run processes JSON-RPC 2.0 requests from input and writes responses
// to output until input reaches EOF. Each request occupies a single
// line (newline-delimited JSON-RPC, not Content-Length framed).
func (s *Server) Run(input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	// Tool results carrying captured program output can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	encoder := json.NewEncoder(output)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			if writeErr := writeError(encoder, json.RawMessage("null"), codeParseError, "parse error: "+err.Error()); writeErr != nil {
				return fmt.Errorf("writing parse error response: %w", writeErr)
			}
			continue
		}

		if req.JSONRPC != "2.0" {
			if !req.isNotification() {
				if writeErr := writeError(encoder, req.ID, codeInvalidRequest, "unsupported JSON-RPC version"); writeErr != nil {
					return fmt.Errorf("writing version error response: %w", writeErr)
				}
			}
			continue
		}

		// Notifications have no ID and receive no response.
		if req.isNotification() {
			continue
		}

		if err := s.dispatch(encoder, &req); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// dispatch routes a JSON-RPC request to the appropriate handler.
func (s *Server) dispatch(encoder *json.Encoder, req *request) error {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(encoder, req)
	case "ping":
		return writeResult(encoder, req.ID, map[string]any{})
	case "tools/list":
		if !s.initialized {
			return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
		return s.handleToolsList(encoder, req)
	case "tools/call":
		if !s.initialized {
			return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
		return s.handleToolsCall(encoder, req)
	default:
		return writeError(encoder, req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for initialize")
	}

	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid initialize params: "+err.Error())
	}

	// The MCP specification says the server responds with its own
	// protocol version and the client decides whether it can proceed.
	s.initialized = true

	return writeResult(encoder, req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools: &toolCapability{},
		},
		ServerInfo: serverInfo{
			Name:    "SafeExecMCP",
			Version: s.version,
		},
	})
}

func (s *Server) handleToolsList(encoder *json.Encoder, req *request) error {
	descriptions := make([]toolDescription, 0, len(s.tools))
	for _, entry := range s.tools {
		if entry.sessionOnly && s.manager == nil {
			continue
		}
		descriptions = append(descriptions, entry.description)
	}
	return writeResult(encoder, req.ID, toolsListResult{Tools: descriptions})
}

func (s *Server) handleToolsCall(encoder *json.Encoder, req *request) error {
	if len(req.Params) == 0 {
		return writeError(encoder, req.ID, codeInvalidParams, "params required for tools/call")
	}

	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeError(encoder, req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	entry, ok := s.toolsByName[params.Name]
	if !ok || (entry.sessionOnly && s.manager == nil) {
		return writeError(encoder, req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}

	text, isError, err := entry.handle(params.Arguments)
	if err != nil {
		var call *callError
		if errors.As(err, &call) {
			return writeError(encoder, req.ID, call.code, call.message)
		}
		s.logger.Error("tool call failed", "tool", params.Name, "error", err)
		return writeError(encoder, req.ID, codeInternalError, err.Error())
	}

	return writeResult(encoder, req.ID, toolsCallResult{
		Content: []contentBlock{{Type: "text", Text: text}},
		IsError: isError,
	})
}

// formatResult renders an execution result as the single text block a
// tool call returns.
func formatResult(result session.ExecutionResult) string {
	switch {
	case result.Output != "" && result.Error != "":
		return result.Output + "\n\nError: " + result.Error
	case result.Error != "":
		return "Error: " + result.Error
	case result.Output != "":
		return result.Output
	default:
		return "(no output)"
	}
}

// record offers an execution to the recorder, when one is configured.
func (s *Server) record(sessionID, code string, result session.ExecutionResult) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(audit.Execution{
		SessionID: sessionID,
		Code:      code,
		Success:   result.Success,
		Output:    result.Output,
		Error:     result.Error,
	})
}

// --- tool handlers ---

type codeArguments struct {
	Code string `json:"code"`
}

type sessionArguments struct {
	SessionID string `json:"session_id"`
}

type sessionCodeArguments struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

func decodeArguments(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return &callError{codeInvalidParams, "arguments required"}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &callError{codeInvalidParams, "invalid arguments: " + err.Error()}
	}
	return nil
}

func (s *Server) executeStateless(raw json.RawMessage) (string, bool, error) {
	var arguments codeArguments
	if err := decodeArguments(raw, &arguments); err != nil {
		return "", false, err
	}
	if arguments.Code == "" {
		return "", false, &callError{codeInvalidParams, "code must not be empty"}
	}

	oneShot, err := s.newStateless()
	if err != nil {
		return "", false, fmt.Errorf("creating evaluator: %w", err)
	}
	defer oneShot.Dispose()

	result, err := oneShot.Execute(arguments.Code)
	if err != nil {
		return "", false, err
	}
	s.record(statelessID, arguments.Code, result)
	return formatResult(result), !result.Success, nil
}

func (s *Server) showInterface(json.RawMessage) (string, bool, error) {
	return s.surface.InterfaceReference(), false, nil
}

func (s *Server) createSession(json.RawMessage) (string, bool, error) {
	id, err := s.manager.Create()
	if err != nil {
		return "", false, fmt.Errorf("creating session: %w", err)
	}
	return id, false, nil
}

func (s *Server) executeInSession(raw json.RawMessage) (string, bool, error) {
	var arguments sessionCodeArguments
	if err := decodeArguments(raw, &arguments); err != nil {
		return "", false, err
	}
	if arguments.Code == "" {
		return "", false, &callError{codeInvalidParams, "code must not be empty"}
	}

	result, err := s.manager.ExecuteIn(arguments.SessionID, arguments.Code)
	if err != nil {
		var notFound *session.NotFoundError
		if errors.As(err, &notFound) {
			return "", false, &callError{codeInvalidParams, err.Error()}
		}
		return "", false, err
	}
	s.record(arguments.SessionID, arguments.Code, result)
	return formatResult(result), !result.Success, nil
}

func (s *Server) deleteSession(raw json.RawMessage) (string, bool, error) {
	var arguments sessionArguments
	if err := decodeArguments(raw, &arguments); err != nil {
		return "", false, err
	}
	if err := s.manager.Delete(arguments.SessionID); err != nil {
		var notFound *session.NotFoundError
		if errors.As(err, &notFound) {
			return "", false, &callError{codeInvalidParams, err.Error()}
		}
		return "", false, err
	}
	return fmt.Sprintf("Session %s deleted", arguments.SessionID), false, nil
}

func (s *Server) listSessions(json.RawMessage) (string, bool, error) {
	ids := s.manager.List()
	if len(ids) == 0 {
		return "No active sessions", false, nil
	}
	return strings.Join(ids, "\n"), false, nil
}

// --- tool table ---

func (s *Server) buildTools() []toolEntry {
	readOnly := &toolAnnotations{
		ReadOnlyHint:    boolPtr(true),
		DestructiveHint: boolPtr(false),
		IdempotentHint:  boolPtr(true),
		OpenWorldHint:   boolPtr(false),
	}

	codeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Go code to evaluate in the sandbox",
			},
		},
		"required": []string{"code"},
	}
	sessionSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id": map[string]any{
				"type":        "string",
				"description": "identifier returned by create_session",
			},
		},
		"required": []string{"session_id"},
	}
	sessionCodeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id": map[string]any{
				"type":        "string",
				"description": "identifier returned by create_session",
			},
			"code": map[string]any{
				"type":        "string",
				"description": "Go code to evaluate in the session",
			},
		},
		"required": []string{"session_id", "code"},
	}
	emptySchema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}

	return []toolEntry{
		{
			description: toolDescription{
				Name: "execute_stateless",
				Description: "Evaluate a Go snippet in a fresh sandboxed interpreter. " +
					"The snippet sees a restricted standard library plus the capability " +
					"surface described by show_interface. State does not persist between calls.",
				InputSchema: codeSchema,
			},
			handle: s.executeStateless,
		},
		{
			description: toolDescription{
				Name: "show_interface",
				Description: "Return the reference text for the sandbox capability " +
					"surface: filesystem, process, network, chat, and classified-value " +
					"operations available to evaluated code.",
				InputSchema: emptySchema,
				Annotations: readOnly,
			},
			handle: s.showInterface,
		},
		{
			description: toolDescription{
				Name: "create_session",
				Description: "Create a persistent interpreter session and return its " +
					"identifier. Definitions persist across execute_in_session calls.",
				InputSchema: emptySchema,
			},
			sessionOnly: true,
			handle:      s.createSession,
		},
		{
			description: toolDescription{
				Name:        "execute_in_session",
				Description: "Evaluate a Go snippet in an existing session, keeping its state.",
				InputSchema: sessionCodeSchema,
			},
			sessionOnly: true,
			handle:      s.executeInSession,
		},
		{
			description: toolDescription{
				Name:        "delete_session",
				Description: "Dispose a session and discard its state.",
				InputSchema: sessionSchema,
			},
			sessionOnly: true,
			handle:      s.deleteSession,
		},
		{
			description: toolDescription{
				Name:        "list_sessions",
				Description: "List the identifiers of the active sessions.",
				InputSchema: emptySchema,
				Annotations: readOnly,
			},
			sessionOnly: true,
			handle:      s.listSessions,
		},
	}
}

func boolPtr(value bool) *bool {
	return &value
}

// writeResult sends a JSON-RPC 2.0 success response.
func writeResult(encoder *json.Encoder, id json.RawMessage, result any) error {
	return encoder.Encode(response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// writeError sends a JSON-RPC 2.0 error response.
func writeError(encoder *json.Encoder, id json.RawMessage, code int, message string) error {
	return encoder.Encode(response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}
