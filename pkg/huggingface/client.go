// Package huggingface talks to Hugging Face Inference endpoints over
// HTTP+JSON. It is shared by the embedding provider and the toxicity
// classifier.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const userAgent = "onlyone-client/1.0"

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("huggingface: unexpected status %d: %s", e.Code, e.Body)
}

// ErrDecode marks a 2xx answer whose body did not decode.
var ErrDecode = errors.New("huggingface: failed to decode response")

type Client struct {
	token string
	http  *http.Client
}

func NewClient(token string, timeout time.Duration) *Client {
	return &Client{
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// PostJSON sends input to endpoint and decodes the answer into output.
func (c *Client) PostJSON(ctx context.Context, endpoint string, input, output interface{}) error {
	body, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("huggingface: failed to marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("huggingface: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("huggingface: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("huggingface: failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: preview(respBody)}
	}
	if err := json.Unmarshal(respBody, output); err != nil {
		return fmt.Errorf("%w: %v (body %q)", ErrDecode, err, preview(respBody))
	}
	return nil
}

func preview(b []byte) string {
	if len(b) > 50 {
		return string(b[:50])
	}
	return string(b)
}
