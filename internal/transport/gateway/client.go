// Package gateway is the HTTP client for the outbound messaging gateway that
// delivers rendered templates to customers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

type SendRequest struct {
	ChannelID string `json:"channel_id,omitempty"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// CallError carries the HTTP status and raw body of a failed send.
type CallError struct {
	Status int
	Body   []byte
	Err    error
}

func (e *CallError) Error() string {
	if e.Status == 0 {
		return "gateway: " + e.Err.Error()
	}
	return fmt.Sprintf("gateway: status %d: %v", e.Status, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// SendMessage posts one message and returns the gateway's message id.
func (c *Client) SendMessage(ctx context.Context, channelID, recipient, content string) (string, error) {
	payload, err := json.Marshal(SendRequest{ChannelID: channelID, To: recipient, Body: content})
	if err != nil {
		return "", err
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", &CallError{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = "send failed"
		}
		return "", &CallError{Status: resp.StatusCode, Body: b, Err: errors.New(msg)}
	}
	if out.MessageID == "" {
		return "", &CallError{Status: resp.StatusCode, Body: b, Err: errors.New("response missing message_id")}
	}
	return out.MessageID, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 8 * time.Second}
}

// ShouldRetry reports whether a send error is transient: timeouts, 408, 429 and 5xx.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *CallError
	if errors.As(err, &ce) && ce.Status != 0 {
		return ce.Status == http.StatusTooManyRequests || ce.Status == http.StatusRequestTimeout ||
			(ce.Status >= 500 && ce.Status <= 599)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
