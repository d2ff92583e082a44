package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stackctl/internal/orchestrator"
	"stackctl/internal/reporting"
	"stackctl/internal/services"
)

// StatusError is a non-2xx answer from the control API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control API returned %d: %s", e.Code, e.Message)
}

// Client talks to the control API of a running stack.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets addr, either "host:port" or a full URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status returns the phase and every service snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", &out)
	return out, err
}

// Service returns one service snapshot.
func (c *Client) Service(ctx context.Context, name string) (services.Snapshot, error) {
	var out services.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(name), &out)
	return out, err
}

// Graph returns the dependency graph of the running stack.
func (c *Client) Graph(ctx context.Context) (GraphResponse, error) {
	var out GraphResponse
	err := c.do(ctx, http.MethodGet, "/v1/graph", &out)
	return out, err
}

// Stop asks the stack to shut down. It does not wait for the teardown.
func (c *Client) Stop(ctx context.Context) (StopResponse, error) {
	var out StopResponse
	err := c.do(ctx, http.MethodPost, "/v1/stop", &out)
	return out, err
}

// Reload asks the stack to re-read its file.
func (c *Client) Reload(ctx context.Context) (orchestrator.ReloadReport, error) {
	var out orchestrator.ReloadReport
	err := c.do(ctx, http.MethodPost, "/v1/reload", &out)
	return out, err
}

// Events streams lifecycle events to fn until ctx ends or the server closes
// the stream. service may be empty for every service.
func (c *Client) Events(ctx context.Context, service string, fn func(reporting.Event)) error {
	path := "/v1/events"
	if service != "" {
		path += "?service=" + url.QueryEscape(service)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	// The stream outlives the default client timeout.
	streaming := &http.Client{Transport: c.http.Transport}
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var e reporting.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(e)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
