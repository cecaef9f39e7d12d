// Package client implements the node side of the caissesync wire protocol:
// push, pull and status calls against the central server, with bounded
// per-request timeouts and a transient/terminal error split.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caisselink/caissesync/internal/retry"
	"github.com/caisselink/caissesync/internal/wire"
)

// DefaultTimeout bounds every push/pull request so a hung connection cannot
// hold the single-flight drain or pull lock indefinitely.
const DefaultTimeout = 15 * time.Second

// ValidationError is a terminal 4xx rejection: the operation is malformed
// and retrying it verbatim can never succeed.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client talks to one caissesync server on behalf of one node.
type Client struct {
	baseURL string
	nodeID  string
	http    *http.Client
	timeout time.Duration
}

// New creates a client for the given server base URL and node identity.
func New(baseURL, nodeID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		nodeID:  nodeID,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// NodeID returns the identity the client pushes as.
func (c *Client) NodeID() string { return c.nodeID }

// Push delivers one outbox operation. A conflict is reported inside the
// response, not as an error; errors are either *ValidationError (terminal)
// or transient (network, timeout, 5xx).
func (c *Client) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(wire.HeaderCaisseID, c.nodeID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var out wire.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &out, nil
}

// Pull fetches the change feed since the given watermark. A zero since
// requests everything.
func (c *Client) Pull(ctx context.Context, since time.Time) (*wire.PullResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("caisseId", c.nodeID)
	q.Set("lastSync", since.UTC().Format(time.RFC3339Nano))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var out wire.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &out, nil
}

// Status fetches the server's view of this node.
func (c *Client) Status(ctx context.Context) (*wire.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(c.nodeID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var out wire.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &out, nil
}

// WaitReachable blocks until the server's health endpoint answers, with
// exponential backoff. Used at agent startup so the first sync does not
// race a server that is still coming up.
func (c *Client) WaitReachable(ctx context.Context) error {
	return retry.WithOperation(ctx, retry.ServerDefaults(), func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server unhealthy: HTTP %d", resp.StatusCode)
		}
		return nil
	}, "server health probe")
}

// classifyStatus maps non-200 answers to the error taxonomy: 4xx terminal,
// 5xx transient.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg := readErrorMessage(resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &ValidationError{StatusCode: resp.StatusCode, Message: msg}
	}
	return fmt.Errorf("server error (HTTP %d): %s", resp.StatusCode, msg)
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "unreadable response body"
	}
	var envelope wire.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "no error detail"
	}
	logrus.WithField("body", trimmed).Debug("Non-JSON error response from server")
	return trimmed
}
