// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safeexec-project/safeexec/lib/audit"
	"github.com/safeexec-project/safeexec/sandbox"
	"github.com/safeexec-project/safeexec/session"
)

// testResponse mirrors the wire response with the result left raw so
// each test decodes only what it asserts on.
type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// testToolResult mirrors the tools/call result payload.
type testToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func newTestServer(t *testing.T, sessions bool, recorder *audit.Recorder) *Server {
	t.Helper()
	surface := sandbox.NewSurface(sandbox.Config{})
	options := Options{
		Surface: surface,
		NewStateless: func() (*session.Session, error) {
			return session.New(session.Options{Surface: surface, WrapCode: true})
		},
		Recorder: recorder,
		Version:  "test",
	}
	if sessions {
		manager := session.NewManager(func() (*session.Session, error) {
			return session.New(session.Options{Surface: surface})
		})
		t.Cleanup(manager.Shutdown)
		options.Manager = manager
	}
	return NewServer(options)
}

// run feeds newline-delimited request lines through the server and
// returns the decoded responses in order.
func run(t *testing.T, server *Server, lines ...string) []testResponse {
	t.Helper()
	input := strings.Join(lines, "\n") + "\n"
	var output strings.Builder
	if err := server.Run(strings.NewReader(input), &output); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var responses []testResponse
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var decoded testResponse
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatalf("decoding response line %q: %v", line, err)
		}
		responses = append(responses, decoded)
	}
	return responses
}

const initializeLine = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test"}}}`

func callLine(id int, tool string, arguments string) string {
	if arguments == "" {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q}}`, id, tool)
	}
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, tool, arguments)
}

func toolResult(t *testing.T, response testResponse) testToolResult {
	t.Helper()
	if response.Error != nil {
		t.Fatalf("call returned JSON-RPC error %d: %s", response.Error.Code, response.Error.Message)
	}
	var result testToolResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content blocks")
	}
	return result
}

func TestInitialize(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine)

	if len(responses) != 1 {
		t.Fatalf("got %d responses", len(responses))
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "SafeExecMCP" {
		t.Errorf("server name = %q", result.ServerInfo.Name)
	}
}

func TestRequestsBeforeInitialize(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	if responses[0].Error == nil || responses[0].Error.Code != codeInvalidRequest {
		t.Errorf("tools/list before initialize returned %+v", responses[0].Error)
	}
}

func TestToolsList(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(responses[1].Result, &result); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"execute_stateless", "show_interface", "create_session",
		"execute_in_session", "delete_session", "list_sessions",
	} {
		if !names[want] {
			t.Errorf("tools/list missing %s", want)
		}
	}
	if len(result.Tools) != 6 {
		t.Errorf("tools/list returned %d tools, want 6", len(result.Tools))
	}
}

func TestSessionToolsHiddenWhenDisabled(t *testing.T) {
	server := newTestServer(t, false, nil)
	responses := run(t, server,
		initializeLine,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		callLine(3, "create_session", ""))

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(responses[1].Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 2 {
		t.Errorf("tools/list with sessions disabled returned %d tools, want 2", len(result.Tools))
	}
	for _, tool := range result.Tools {
		if strings.Contains(tool.Name, "session") {
			t.Errorf("session tool %s listed while disabled", tool.Name)
		}
	}
	if responses[2].Error == nil || responses[2].Error.Code != codeInvalidParams {
		t.Errorf("create_session while disabled returned %+v", responses[2].Error)
	}
}

func TestExecuteStateless(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine,
		callLine(2, "execute_stateless", `{"code":"1 + 1"}`))

	result := toolResult(t, responses[1])
	if result.IsError {
		t.Fatalf("1 + 1 reported error: %q", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "2") {
		t.Errorf("content = %q, want it to contain 2", result.Content[0].Text)
	}
}

func TestExecuteStatelessValidationFailure(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine,
		callLine(2, "execute_stateless", `{"code":"import \"os\""}`))

	result := toolResult(t, responses[1])
	if !result.IsError {
		t.Fatal("forbidden import did not set isError")
	}
	if !strings.Contains(result.Content[0].Text, "file-io") {
		t.Errorf("content = %q, want the violated rule id", result.Content[0].Text)
	}
}

func TestStatelessCallsShareNoState(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine,
		callLine(2, "execute_stateless", `{"code":"leak := 1\nfmt.Println(leak)"}`),
		callLine(3, "execute_stateless", `{"code":"fmt.Println(leak)"}`))

	if toolResult(t, responses[1]).IsError {
		t.Fatal("first snippet failed")
	}
	if !toolResult(t, responses[2]).IsError {
		t.Error("a stateless definition survived into the next call")
	}
}

func TestSessionLifecycle(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine, callLine(2, "create_session", ""))

	id := toolResult(t, responses[1]).Content[0].Text
	if len(id) != 32 {
		t.Fatalf("create_session returned %q, want a 32-character identifier", id)
	}

	responses = run(t, server,
		callLine(3, "execute_in_session", `{"session_id":"`+id+`","code":"x := 42"}`),
		callLine(4, "execute_in_session", `{"session_id":"`+id+`","code":"x * 2"}`),
		callLine(5, "list_sessions", ""),
		callLine(6, "delete_session", `{"session_id":"`+id+`"}`),
		callLine(7, "execute_in_session", `{"session_id":"`+id+`","code":"x"}`))

	if !strings.Contains(toolResult(t, responses[1]).Content[0].Text, "84") {
		t.Errorf("x * 2 returned %q", toolResult(t, responses[1]).Content[0].Text)
	}
	if !strings.Contains(toolResult(t, responses[2]).Content[0].Text, id) {
		t.Error("list_sessions does not show the live session")
	}
	if !strings.Contains(toolResult(t, responses[3]).Content[0].Text, "deleted") {
		t.Errorf("delete_session returned %q", toolResult(t, responses[3]).Content[0].Text)
	}
	if responses[4].Error == nil || responses[4].Error.Code != codeInvalidParams {
		t.Errorf("execute after delete returned %+v", responses[4].Error)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine, callLine(2, "list_sessions", ""))

	if text := toolResult(t, responses[1]).Content[0].Text; text != "No active sessions" {
		t.Errorf("list_sessions with none = %q", text)
	}
}

func TestExecuteInUnknownSession(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine,
		callLine(2, "execute_in_session", `{"session_id":"deadbeef","code":"1"}`))

	if responses[1].Error == nil || responses[1].Error.Code != codeInvalidParams {
		t.Fatalf("unknown session returned %+v", responses[1].Error)
	}
	if !strings.Contains(responses[1].Error.Message, "deadbeef") {
		t.Errorf("error message %q does not name the id", responses[1].Error.Message)
	}
}

func TestShowInterface(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server, initializeLine, callLine(2, "show_interface", ""))

	text := toolResult(t, responses[1]).Content[0].Text
	if !strings.Contains(text, "RequestFilesystem") {
		t.Errorf("interface reference does not mention RequestFilesystem")
	}
}

func TestProtocolErrors(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server,
		`this is not json`,
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		initializeLine,
		`{"jsonrpc":"2.0","id":3,"method":"no/such/method"}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"no_such_tool"}}`)

	if responses[0].Error == nil || responses[0].Error.Code != codeParseError {
		t.Errorf("garbage line returned %+v", responses[0].Error)
	}
	if responses[1].Error == nil || responses[1].Error.Code != codeInvalidRequest {
		t.Errorf("wrong JSON-RPC version returned %+v", responses[1].Error)
	}
	if responses[3].Error == nil || responses[3].Error.Code != codeMethodNotFound {
		t.Errorf("unknown method returned %+v", responses[3].Error)
	}
	if responses[4].Error == nil || responses[4].Error.Code != codeInvalidParams {
		t.Errorf("unknown tool returned %+v", responses[4].Error)
	}
}

func TestNotificationsGetNoResponse(t *testing.T) {
	server := newTestServer(t, true, nil)
	responses := run(t, server,
		initializeLine,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`)

	if len(responses) != 2 {
		t.Errorf("got %d responses, want 2 (notification must be silent)", len(responses))
	}
}

func TestExecutionsAreRecorded(t *testing.T) {
	directory := t.TempDir()
	recorder, err := audit.New(audit.Options{Directory: directory})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	server := newTestServer(t, true, recorder)

	responses := run(t, server, initializeLine, callLine(2, "create_session", ""))
	id := toolResult(t, responses[1]).Content[0].Text
	run(t, server,
		callLine(3, "execute_stateless", `{"code":"fmt.Println(\"one\")"}`),
		callLine(4, "execute_in_session", `{"session_id":"`+id+`","code":"fmt.Println(\"two\")"}`))
	recorder.Close()

	stateless, err := filepath.Glob(filepath.Join(directory, "*_stateless.code"))
	if err != nil {
		t.Fatal(err)
	}
	if len(stateless) != 1 {
		t.Errorf("found %d stateless records, want 1", len(stateless))
	}
	inSession, err := filepath.Glob(filepath.Join(directory, "*_"+id+".code"))
	if err != nil {
		t.Fatal(err)
	}
	if len(inSession) != 1 {
		t.Errorf("found %d session records, want 1", len(inSession))
	}
}
