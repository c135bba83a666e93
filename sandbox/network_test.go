// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func startEchoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, "get-body")
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			io.WriteString(w, "echo:"+string(body)+" type:"+r.Header.Get("Content-Type"))
		}
	}))
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	return server, parsed.Hostname()
}

func TestNetworkGetAndPost(t *testing.T) {
	server, host := startEchoServer(t)
	surface := NewSurface(Config{})

	err := surface.RequestNetwork([]string{host}, func(n *Network) error {
		body, err := n.HTTPGet(server.URL)
		if err != nil {
			return err
		}
		if body != "get-body" {
			t.Errorf("HTTPGet = %q, want get-body", body)
		}

		body, err = n.HTTPPost(server.URL, "payload", "text/plain")
		if err != nil {
			return err
		}
		if body != "echo:payload type:text/plain" {
			t.Errorf("HTTPPost = %q", body)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RequestNetwork: %v", err)
	}
}

func TestNetworkRejectsUnlistedHost(t *testing.T) {
	server, _ := startEchoServer(t)
	surface := NewSurface(Config{})

	err := surface.RequestNetwork([]string{"example.com"}, func(n *Network) error {
		_, err := n.HTTPGet(server.URL)
		expectSecurityError(t, err, "HTTPGet to an unlisted host")
		return nil
	})
	if err != nil {
		t.Fatalf("RequestNetwork: %v", err)
	}
}

func TestNetworkHostMatchIgnoresCaseAndPort(t *testing.T) {
	server, host := startEchoServer(t)
	surface := NewSurface(Config{})

	// Allowlist entries are case-insensitive; the test server URL
	// already carries a port, which the match ignores.
	err := surface.RequestNetwork([]string{"EXAMPLE.com", host}, func(n *Network) error {
		if _, err := n.HTTPGet(server.URL); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RequestNetwork: %v", err)
	}
}

func TestNetworkNonSuccessStatusReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, "missing")
	}))
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	surface := NewSurface(Config{})

	err = surface.RequestNetwork([]string{parsed.Hostname()}, func(n *Network) error {
		body, err := n.HTTPGet(server.URL)
		if err != nil {
			return err
		}
		if body != "missing" {
			t.Errorf("body for 404 response = %q, want missing", body)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RequestNetwork: %v", err)
	}
}

func TestNetworkRevokedAfterReturn(t *testing.T) {
	server, host := startEchoServer(t)
	surface := NewSurface(Config{})

	var escaped *Network
	err := surface.RequestNetwork([]string{host}, func(n *Network) error {
		escaped = n
		return nil
	})
	if err != nil {
		t.Fatalf("RequestNetwork: %v", err)
	}

	_, err = escaped.HTTPGet(server.URL)
	expectSecurityError(t, err, "HTTPGet after revocation")
}

func TestNetworkFailsInsideTransform(t *testing.T) {
	server, host := startEchoServer(t)
	surface := NewSurface(Config{})

	err := surface.RequestNetwork([]string{host}, func(n *Network) error {
		var getErr error
		surface.Classify("x").Map(func(s string) string {
			_, getErr = n.HTTPGet(server.URL)
			return s
		})
		expectSecurityError(t, getErr, "HTTPGet inside a transform")
		return nil
	})
	if err != nil {
		t.Fatalf("RequestNetwork: %v", err)
	}
}
