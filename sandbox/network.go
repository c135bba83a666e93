// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/safeexec-project/safeexec/lib/netutil"
)

// networkTimeout bounds both connection establishment and the wait
// for response headers on every sandboxed HTTP call.
const networkTimeout = 10 * time.Second

// Network is a capability granting HTTP access to an allowlisted set
// of hosts. Hosts are matched by exact name, ports ignored. Obtain one
// through [Surface.RequestNetwork]; the value is revoked when that
// call returns.
type Network struct {
	guard  *guard
	gate   *purityGate
	hosts  map[string]bool
	client *http.Client
}

func newNetwork(guard *guard, gate *purityGate, hosts []string) *Network {
	allowed := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		allowed[strings.ToLower(host)] = true
	}
	return &Network{
		guard: guard,
		gate:  gate,
		hosts: allowed,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: networkTimeout,
				}).DialContext,
				ResponseHeaderTimeout: networkTimeout,
			},
		},
	}
}

// HTTPGet performs a blocking GET and returns the response body as
// text. The URL's host must be in the capability's allowlist; the
// check happens before any connection is opened.
func (n *Network) HTTPGet(rawURL string) (string, error) {
	return n.do(http.MethodGet, rawURL, "", "")
}

// HTTPPost performs a blocking POST with the given body and content
// type, returning the response body as text.
func (n *Network) HTTPPost(rawURL, body, contentType string) (string, error) {
	return n.do(http.MethodPost, rawURL, body, contentType)
}

func (n *Network) do(method, rawURL, body, contentType string) (string, error) {
	op := strings.ToLower(method)
	if err := n.guard.check(op); err != nil {
		return "", err
	}
	if err := n.gate.check(op); err != nil {
		return "", err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing URL %q: %w", rawURL, err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", securityErrorf(op, "URL %q has no host", rawURL)
	}
	if !n.hosts[host] {
		return "", securityErrorf(op, "host %q is not in the allowed set", host)
	}

	var requestBody io.Reader
	if method == http.MethodPost {
		requestBody = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, rawURL, requestBody)
	if err != nil {
		return "", fmt.Errorf("building %s request: %w", method, err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := n.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", rawURL, err)
	}
	return string(responseBody), nil
}
