package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zuri-labs/zuri/internal/content"
	"github.com/zuri-labs/zuri/internal/protocol"
)

// APIError is a non-2xx reply from the fleet API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("api returned %d", e.Status)
}

// Client talks to the fleet API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Register announces the device.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) error {
	var resp protocol.RegisterResponse
	return c.do(ctx, http.MethodPost, "/devices/register", req, &resp)
}

// Heartbeat reports liveness and returns the commands waiting for the device.
func (c *Client) Heartbeat(ctx context.Context, deviceID string, req protocol.HeartbeatRequest) ([]protocol.CommandPayload, error) {
	var resp protocol.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// ReportResult posts a command outcome.
func (c *Client) ReportResult(ctx context.Context, res protocol.CommandResultPayload) error {
	body := protocol.ResultRequest{Success: res.Success, Message: res.Message}
	return c.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(res.CommandID)+"/result", body, nil)
}

// Library lists the content catalog.
func (c *Client) Library(ctx context.Context) ([]content.Item, error) {
	var items []content.Item
	if err := c.do(ctx, http.MethodGet, "/content/library", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Fetch opens the body at rawURL. The caller closes it.
func (c *Client) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode}
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&detail)
		return &APIError{Status: resp.StatusCode, Detail: detail.Detail}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
