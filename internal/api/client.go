package api

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

	"github.com/checkd/checkd/internal/alerter"
	"github.com/checkd/checkd/internal/version"
)

// APIError is a structured failure reported by the daemon.
type APIError struct {
	Status  int
	Message string
	Details []string
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ":\n  " + strings.Join(e.Details, "\n  ")
}

// Client talks to a running daemon. Each call tries the addresses in order
// and uses the first one that accepts a connection.
type Client struct {
	addrs []string
	http  *http.Client
}

// NewClient creates a client for the given listen addresses.
func NewClient(addrs []string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{addrs: addrs, http: &http.Client{Timeout: timeout}}
}

// List returns the loaded alerts.
func (c *Client) List(ctx context.Context, details bool) ([]alerter.Status, error) {
	var resp struct {
		Response
		Alerts []alerter.Status `json:"alerts"`
	}
	path := "/alerts"
	if details {
		path += "?details=true"
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Reload asks the daemon to reload and waits for the result.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reload", nil, &Response{})
}

// Pause pauses an alert.
func (c *Client) Pause(ctx context.Context, req PauseRequest) (*PauseResponse, error) {
	var resp PauseResponse
	if err := c.do(ctx, http.MethodPost, "/alerts/pause", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks one definition file against the daemon's targets.
func (c *Client) Validate(ctx context.Context, path string) (*ValidateResponse, error) {
	var resp ValidateResponse
	if err := c.do(ctx, http.MethodPost, "/validate", ValidateRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendEvent ingests an event.
func (c *Client) SendEvent(ctx context.Context, payload map[string]any) (*EventResponse, error) {
	var resp EventResponse
	if err := c.do(ctx, http.MethodPost, "/events", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var errs []error
	for _, addr := range c.addrs {
		u := url.URL{Scheme: "http", Host: addr}
		req, err := http.NewRequestWithContext(ctx, method, u.String()+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", version.UserAgent())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		return decode(resp, out)
	}
	if len(errs) == 0 {
		return errors.New("no control api address configured")
	}
	return fmt.Errorf("cannot reach checkd: %w", errors.Join(errs...))
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env Response
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("unexpected response (%s)", resp.Status)}
	}
	if !env.Success || resp.StatusCode >= 400 {
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Details: env.Details}
	}
	return json.Unmarshal(data, out)
}
