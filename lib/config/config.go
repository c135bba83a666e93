// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

// ChatConfig describes the optional chat endpoint.
type ChatConfig struct {
	// BaseURL is the API base, typically ending in /v1.
	BaseURL string

	// APIKey is the bearer credential. Empty is accepted for local
	// inference servers.
	APIKey string

	// APIKeyFile is a path to read the credential from, "-" for
	// stdin. Ignored when APIKey is set directly.
	APIKeyFile string

	// Model is the model identifier placed in every request.
	Model string
}

// Config is the broker configuration, immutable after Load.
type Config struct {
	// RecordDir is the audit directory. Empty disables the recorder.
	RecordDir string

	// RecordCompress zstd-compresses audit payload files.
	RecordCompress bool

	// RecordRecipient is an age public key. When set, audit payload
	// files are encrypted to it.
	RecordRecipient string

	// Strict enables the fixed file-operation command block on
	// process capabilities.
	Strict bool

	// ClassifiedPaths are the protected paths, absolute and cleaned.
	ClassifiedPaths []string

	// Chat is the chat endpoint, or nil when unconfigured.
	Chat *ChatConfig

	// Quiet suppresses the banner and raises the log level to error.
	Quiet bool

	// WrapCode wraps stateless snippets in a function literal before
	// evaluation.
	WrapCode bool

	// SessionsEnabled exposes the session tools.
	SessionsEnabled bool

	// LogLevel is the slog level for the stderr handler.
	LogLevel slog.Level
}

// fileConfig mirrors the JSONC config file. Field absence must be
// distinguishable from a zero value so the file only overrides what it
// names; hence the pointers.
type fileConfig struct {
	RecordDir       *string  `json:"record_dir"`
	RecordCompress  *bool    `json:"record_compress"`
	RecordRecipient *string  `json:"record_recipient"`
	Strict          *bool    `json:"strict"`
	ClassifiedPaths []string `json:"classified_paths"`
	Chat            *struct {
		BaseURL    string `json:"base_url"`
		APIKey     string `json:"api_key"`
		APIKeyFile string `json:"api_key_file"`
		Model      string `json:"model"`
	} `json:"chat"`
	Quiet    *bool   `json:"quiet"`
	WrapCode *bool   `json:"wrap_code"`
	Sessions *bool   `json:"sessions"`
	LogLevel *string `json:"log_level"`
}

// Load parses the command line and the optional config file into a
// frozen Config. Precedence: built-in defaults, then the file, then
// any flag the command line actually set. Warnings (partial chat
// configuration) go to warnings.
func Load(arguments []string, warnings io.Writer) (*Config, error) {
	flags := pflag.NewFlagSet("safeexec", pflag.ContinueOnError)
	flags.SetOutput(warnings)

	configPath := flags.String("config", "", "path to a JSONC configuration file")
	recordDir := flags.String("record", "", "directory for audit records; empty disables recording")
	recordCompress := flags.Bool("record-compress", false, "zstd-compress audit payload files")
	recordRecipient := flags.String("record-recipient", "", "age public key; encrypt audit payload files to it")
	strict := flags.Bool("strict", false, "block file-operation commands on process capabilities")
	classifiedPaths := flags.StringSlice("classified-paths", nil, "comma-separated protected paths")
	quiet := flags.Bool("quiet", false, "suppress the banner and non-error logging")
	noWrap := flags.Bool("no-wrap", false, "run stateless snippets without function wrapping")
	noSession := flags.Bool("no-session", false, "disable the session tools")
	llmBaseURL := flags.String("llm-base-url", "", "chat endpoint base URL (OpenAI-compatible)")
	llmAPIKey := flags.String("llm-api-key", "", "chat endpoint API key")
	llmAPIKeyFile := flags.String("llm-api-key-file", "", "file to read the chat API key from, - for stdin")
	llmModel := flags.String("llm-model", "", "chat endpoint model identifier")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")

	if err := flags.Parse(arguments); err != nil {
		return nil, err
	}

	configuration := &Config{
		WrapCode:        true,
		SessionsEnabled: true,
		LogLevel:        slog.LevelInfo,
	}
	chat := ChatConfig{}

	if *configPath != "" {
		fromFile, err := loadFile(*configPath)
		if err != nil {
			return nil, err
		}
		if fromFile.RecordDir != nil {
			configuration.RecordDir = *fromFile.RecordDir
		}
		if fromFile.RecordCompress != nil {
			configuration.RecordCompress = *fromFile.RecordCompress
		}
		if fromFile.RecordRecipient != nil {
			configuration.RecordRecipient = *fromFile.RecordRecipient
		}
		if fromFile.Strict != nil {
			configuration.Strict = *fromFile.Strict
		}
		if len(fromFile.ClassifiedPaths) > 0 {
			configuration.ClassifiedPaths = fromFile.ClassifiedPaths
		}
		if fromFile.Chat != nil {
			chat = ChatConfig(*fromFile.Chat)
		}
		if fromFile.Quiet != nil {
			configuration.Quiet = *fromFile.Quiet
		}
		if fromFile.WrapCode != nil {
			configuration.WrapCode = *fromFile.WrapCode
		}
		if fromFile.Sessions != nil {
			configuration.SessionsEnabled = *fromFile.Sessions
		}
		if fromFile.LogLevel != nil {
			level, err := parseLogLevel(*fromFile.LogLevel)
			if err != nil {
				return nil, fmt.Errorf("config file %s: %w", *configPath, err)
			}
			configuration.LogLevel = level
		}
	}

	if flags.Changed("record") {
		configuration.RecordDir = *recordDir
	}
	if flags.Changed("record-compress") {
		configuration.RecordCompress = *recordCompress
	}
	if flags.Changed("record-recipient") {
		configuration.RecordRecipient = *recordRecipient
	}
	if flags.Changed("strict") {
		configuration.Strict = *strict
	}
	if flags.Changed("classified-paths") {
		configuration.ClassifiedPaths = *classifiedPaths
	}
	if flags.Changed("quiet") {
		configuration.Quiet = *quiet
	}
	if *noWrap {
		configuration.WrapCode = false
	}
	if *noSession {
		configuration.SessionsEnabled = false
	}
	if flags.Changed("llm-base-url") {
		chat.BaseURL = *llmBaseURL
	}
	if flags.Changed("llm-api-key") {
		chat.APIKey = *llmAPIKey
	}
	if flags.Changed("llm-api-key-file") {
		chat.APIKeyFile = *llmAPIKeyFile
	}
	if flags.Changed("llm-model") {
		chat.Model = *llmModel
	}
	if flags.Changed("log-level") {
		level, err := parseLogLevel(*logLevel)
		if err != nil {
			return nil, err
		}
		configuration.LogLevel = level
	}

	configuration.Chat = resolveChat(chat, warnings)
	configuration.ClassifiedPaths = normalizePaths(configuration.ClassifiedPaths)

	if configuration.Quiet && configuration.LogLevel < slog.LevelError {
		configuration.LogLevel = slog.LevelError
	}

	return configuration, nil
}

// loadFile reads and parses a JSONC configuration file.
func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var parsed fileConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &parsed, nil
}

// resolveChat decides whether the assembled chat settings are usable.
// BaseURL and Model are required; APIKey may be empty for local
// servers. Anything partial is reported and dropped rather than
// carried forward to fail at request time.
func resolveChat(chat ChatConfig, warnings io.Writer) *ChatConfig {
	if chat.BaseURL == "" && chat.Model == "" && chat.APIKey == "" && chat.APIKeyFile == "" {
		return nil
	}
	if chat.BaseURL == "" || chat.Model == "" {
		fmt.Fprintln(warnings,
			"warning: chat endpoint configuration is incomplete (base URL and model are both required); chat is disabled")
		return nil
	}
	return &chat
}

// normalizePaths converts each entry to absolute, cleaned form and
// drops empties.
func normalizePaths(paths []string) []string {
	var normalized []string
	for _, entry := range paths {
		if entry == "" {
			continue
		}
		absolute, err := filepath.Abs(entry)
		if err != nil {
			absolute = entry
		}
		normalized = append(normalized, filepath.Clean(absolute))
	}
	return normalized
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
