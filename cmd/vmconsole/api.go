// Package main is the vmconsole CLI, an HTTP client for vmconsoled.
//
// The daemon identifies callers by cookie, so the client stores every cookie
// the server sets in a state file and replays it on the next run.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vmconsole/vmconsole/internal/models"
)

const (
	defaultServer         = "http://127.0.0.1:8080"
	defaultRequestTimeout = 30 * time.Second
	maxJSONOutputBytes    = 4 << 20

	envServer = "VMCONSOLE_SERVER"
)

type vmListResponse struct {
	VMs []models.VM `json:"vms"`
}

type createRequest struct {
	Provider       string `json:"provider,omitempty"`
	Region         string `json:"region,omitempty"`
	InstanceType   string `json:"instanceType,omitempty"`
	WindowsVersion string `json:"windowsVersion,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

type eventResponse struct {
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
	Provider string    `json:"provider"`
	Region   string    `json:"region,omitempty"`
	Message  string    `json:"message,omitempty"`
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
}

type versionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// apiClient talks to vmconsoled over HTTP and keeps its session cookies.
type apiClient struct {
	server     string
	httpClient *http.Client
	timeout    time.Duration
	statePath  string
	state      sessionState
}

func newAPIClient(server, statePath string, timeout time.Duration) (*apiClient, error) {
	server = serverKey(server)
	if server == "" {
		server = defaultServer
	}
	parsed, err := url.Parse(server)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid server %q: expected http(s)://host[:port]", server)
	}
	if statePath == "" {
		statePath, err = defaultStatePath()
		if err != nil {
			return nil, fmt.Errorf("resolve state file: %w", err)
		}
	}
	state, err := loadSessionState(statePath)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		server:     server,
		httpClient: &http.Client{},
		timeout:    timeout,
		statePath:  statePath,
		state:      state,
	}, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.server+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range c.state.cookies(c.server) {
		req.AddCookie(cookie)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if c.state.remember(c.server, resp.Cookies()) {
		if err := saveSessionState(c.statePath, c.state); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func parseAPIError(status int, data []byte) error {
	if len(data) > 0 {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			if apiErr.Details != "" {
				return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Details)
			}
			return errors.New(apiErr.Error)
		}
	}
	return fmt.Errorf("request failed with status %d", status)
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c == nil || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func vmPath(id string) string {
	return "/api/vm/" + url.PathEscape(strings.TrimSpace(id))
}

// prettyPrintJSON formats JSON data with indentation and writes it to w.
func prettyPrintJSON(w io.Writer, data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}
