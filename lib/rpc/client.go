package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/backupd/lib/logger"
)

// Client sends calls and casts to one server.
type Client struct {
	baseURL string
	pin     Version
	http    *http.Client
}

// NewClient creates a client for the server at baseURL, pinned to pin.
// httpClient may be nil.
func NewClient(baseURL string, pin Version, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), pin: pin, http: httpClient}
}

// Call invokes method on topic and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, topic, method string, args, out any) error {
	resp, err := c.post(ctx, topic, method, args, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readRemoteError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s.%s reply: %w", topic, method, err)
	}
	return nil
}

// Cast delivers method on topic without waiting for it to run.
func (c *Client) Cast(ctx context.Context, topic, method string, args any) error {
	msgID := cuid2.Generate()
	resp, err := c.post(ctx, topic, method, args, msgID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return readRemoteError(resp)
	}
	logger.FromContext(ctx).DebugContext(ctx, "rpc cast sent", "topic", topic, "method", method, "message_id", msgID, "url", c.baseURL)
	return nil
}

func (c *Client) post(ctx context.Context, topic, method string, args any, msgID string) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s arguments: %w", topic, method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route(topic, method), body)
	if err != nil {
		return nil, fmt.Errorf("build %s.%s request: %w", topic, method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderVersion, c.pin.String())
	if msgID != "" {
		req.Header.Set(HeaderMessageID, msgID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", topic, method, err)
	}
	return resp, nil
}

func readRemoteError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return &RemoteError{Status: resp.StatusCode, Code: CodeInternal, Message: strings.TrimSpace(string(data))}
	}
	return &RemoteError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
}
