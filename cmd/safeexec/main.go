// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/safeexec-project/safeexec/broker"
	"github.com/safeexec-project/safeexec/lib/audit"
	"github.com/safeexec-project/safeexec/lib/config"
	"github.com/safeexec-project/safeexec/lib/llm"
	"github.com/safeexec-project/safeexec/lib/secret"
	"github.com/safeexec-project/safeexec/lib/version"
	"github.com/safeexec-project/safeexec/sandbox"
	"github.com/safeexec-project/safeexec/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	configuration, err := config.Load(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "safeexec: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: configuration.LogLevel,
	}))
	slog.SetDefault(logger)

	if !configuration.Quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "SafeExecMCP %s — sandboxed code execution over MCP\n",
			version.Short())
	}

	var chatClient sandbox.ChatClient
	if configuration.Chat != nil {
		apiKey := configuration.Chat.APIKey
		if apiKey == "" && configuration.Chat.APIKeyFile != "" {
			keyBuffer, err := secret.ReadFromPath(configuration.Chat.APIKeyFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "safeexec: reading chat API key: %v\n", err)
				return 1
			}
			defer keyBuffer.Close()
			apiKey = keyBuffer.String()
		}
		chatClient = llm.NewClient(llm.Config{
			BaseURL: configuration.Chat.BaseURL,
			APIKey:  apiKey,
			Model:   configuration.Chat.Model,
		})
	}

	surface := sandbox.NewSurface(sandbox.Config{
		Strict:          configuration.Strict,
		ClassifiedPaths: configuration.ClassifiedPaths,
		Chat:            chatClient,
	})

	var recorder *audit.Recorder
	if configuration.RecordDir != "" {
		recorder, err = audit.New(audit.Options{
			Directory: configuration.RecordDir,
			Compress:  configuration.RecordCompress,
			Recipient: configuration.RecordRecipient,
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "safeexec: %v\n", err)
			return 1
		}
		defer recorder.Close()
	}

	var manager *session.Manager
	if configuration.SessionsEnabled {
		manager = session.NewManager(func() (*session.Session, error) {
			return session.New(session.Options{Surface: surface})
		})
		defer manager.Shutdown()
	}

	server := broker.NewServer(broker.Options{
		Surface: surface,
		Manager: manager,
		NewStateless: func() (*session.Session, error) {
			return session.New(session.Options{
				Surface:  surface,
				WrapCode: configuration.WrapCode,
			})
		},
		Recorder: recorder,
		Logger:   logger,
		Version:  version.Short(),
	})

	// The JSON-RPC stream owns the real stdout. Everything else in the
	// process, including stray prints from evaluated snippets between
	// capture windows, is pointed at stderr so it cannot corrupt the
	// protocol framing.
	protocolOut := os.Stdout
	os.Stdout = os.Stderr

	logger.Info("broker ready",
		"strict", configuration.Strict,
		"sessions", configuration.SessionsEnabled,
		"recording", configuration.RecordDir != "",
		"chat", configuration.Chat != nil)

	if err := server.Run(os.Stdin, protocolOut); err != nil {
		logger.Error("broker terminated", "error", err)
		return 1
	}
	return 0
}
