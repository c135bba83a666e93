// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func load(t *testing.T, arguments ...string) (*Config, string) {
	t.Helper()
	var warnings bytes.Buffer
	configuration, err := Load(arguments, &warnings)
	if err != nil {
		t.Fatalf("Load(%v): %v", arguments, err)
	}
	return configuration, warnings.String()
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safeexec.jsonc")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	configuration, warnings := load(t)

	if configuration.RecordDir != "" {
		t.Errorf("RecordDir = %q, want empty", configuration.RecordDir)
	}
	if configuration.Strict {
		t.Error("Strict defaulted to true")
	}
	if !configuration.WrapCode {
		t.Error("WrapCode defaulted to false")
	}
	if !configuration.SessionsEnabled {
		t.Error("SessionsEnabled defaulted to false")
	}
	if configuration.Chat != nil {
		t.Error("Chat configured with no settings")
	}
	if configuration.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", configuration.LogLevel)
	}
	if warnings != "" {
		t.Errorf("unexpected warnings: %q", warnings)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		// durable deployment settings
		"record_dir": "/var/log/safeexec",
		"record_compress": true,
		"strict": true,
		"sessions": false,
		"log_level": "debug",
	}`)
	configuration, _ := load(t, "--config", path)

	if configuration.RecordDir != "/var/log/safeexec" {
		t.Errorf("RecordDir = %q", configuration.RecordDir)
	}
	if !configuration.RecordCompress {
		t.Error("RecordCompress not taken from file")
	}
	if !configuration.Strict {
		t.Error("Strict not taken from file")
	}
	if configuration.SessionsEnabled {
		t.Error("sessions=false in file did not disable sessions")
	}
	if configuration.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", configuration.LogLevel)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfigFile(t, `{"record_dir": "/from/file", "strict": true}`)
	configuration, _ := load(t, "--config", path, "--record", "/from/flag", "--strict=false")

	if configuration.RecordDir != "/from/flag" {
		t.Errorf("RecordDir = %q, want the flag value", configuration.RecordDir)
	}
	if configuration.Strict {
		t.Error("--strict=false did not override the file")
	}
}

func TestFileOnlyOverridesNamedFields(t *testing.T) {
	path := writeConfigFile(t, `{"strict": true}`)
	configuration, _ := load(t, "--config", path)

	if !configuration.WrapCode {
		t.Error("file that never names wrap_code cleared WrapCode")
	}
	if !configuration.SessionsEnabled {
		t.Error("file that never names sessions cleared SessionsEnabled")
	}
}

func TestNoWrapAndNoSessionFlags(t *testing.T) {
	configuration, _ := load(t, "--no-wrap", "--no-session")

	if configuration.WrapCode {
		t.Error("--no-wrap did not clear WrapCode")
	}
	if configuration.SessionsEnabled {
		t.Error("--no-session did not clear SessionsEnabled")
	}
}

func TestClassifiedPathsNormalized(t *testing.T) {
	configuration, _ := load(t, "--classified-paths", "/etc/secrets/../secrets,relative/dir,")

	if len(configuration.ClassifiedPaths) != 2 {
		t.Fatalf("ClassifiedPaths = %v", configuration.ClassifiedPaths)
	}
	if configuration.ClassifiedPaths[0] != "/etc/secrets" {
		t.Errorf("first path = %q, want cleaned /etc/secrets", configuration.ClassifiedPaths[0])
	}
	if !filepath.IsAbs(configuration.ClassifiedPaths[1]) {
		t.Errorf("relative path %q not made absolute", configuration.ClassifiedPaths[1])
	}
}

func TestPartialChatDisabledWithWarning(t *testing.T) {
	configuration, warnings := load(t, "--llm-base-url", "http://localhost:8080/v1")

	if configuration.Chat != nil {
		t.Error("partial chat configuration was accepted")
	}
	if !strings.Contains(warnings, "incomplete") {
		t.Errorf("warnings = %q, want an incompleteness warning", warnings)
	}
}

func TestChatWithoutAPIKey(t *testing.T) {
	configuration, warnings := load(t,
		"--llm-base-url", "http://localhost:8080/v1",
		"--llm-model", "qwen2.5-coder")

	if configuration.Chat == nil {
		t.Fatal("complete chat configuration was rejected")
	}
	if configuration.Chat.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", configuration.Chat.APIKey)
	}
	if warnings != "" {
		t.Errorf("unexpected warnings: %q", warnings)
	}
}

func TestChatAPIKeyFile(t *testing.T) {
	configuration, warnings := load(t,
		"--llm-base-url", "http://localhost:8080/v1",
		"--llm-model", "qwen2.5-coder",
		"--llm-api-key-file", "/run/secrets/chat-key")

	if configuration.Chat == nil {
		t.Fatal("chat configuration missing")
	}
	if configuration.Chat.APIKeyFile != "/run/secrets/chat-key" {
		t.Errorf("APIKeyFile = %q, want the flag value", configuration.Chat.APIKeyFile)
	}
	if warnings != "" {
		t.Errorf("unexpected warnings: %q", warnings)
	}
}

func TestChatFromFileWithFlagOverride(t *testing.T) {
	path := writeConfigFile(t, `{
		"chat": {"base_url": "http://file:1/v1", "api_key": "k", "model": "m"},
	}`)
	configuration, _ := load(t, "--config", path, "--llm-model", "override")

	if configuration.Chat == nil {
		t.Fatal("chat configuration missing")
	}
	if configuration.Chat.Model != "override" {
		t.Errorf("Model = %q, want the flag value", configuration.Chat.Model)
	}
	if configuration.Chat.BaseURL != "http://file:1/v1" {
		t.Errorf("BaseURL = %q, want the file value", configuration.Chat.BaseURL)
	}
}

func TestBadLogLevel(t *testing.T) {
	var warnings bytes.Buffer
	if _, err := Load([]string{"--log-level", "verbose"}, &warnings); err == nil {
		t.Error("unknown log level accepted")
	}
}

func TestQuietRaisesLogLevel(t *testing.T) {
	configuration, _ := load(t, "--quiet")

	if !configuration.Quiet {
		t.Error("--quiet not set")
	}
	if configuration.LogLevel != slog.LevelError {
		t.Errorf("LogLevel = %v, want error under --quiet", configuration.LogLevel)
	}
}

func TestMissingConfigFile(t *testing.T) {
	var warnings bytes.Buffer
	if _, err := Load([]string{"--config", "/nonexistent/safeexec.jsonc"}, &warnings); err == nil {
		t.Error("missing config file accepted")
	}
}
