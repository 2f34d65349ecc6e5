package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/template"
)

// IdempotencyHeader carries the node run id so receivers can drop retried deliveries.
const IdempotencyHeader = "Idempotency-Key"

const maxResponseBody = 1 << 20

// HTTPRequestNode performs one HTTP request per attempt.
type HTTPRequestNode struct {
	id     string
	config HTTPRequestConfig
	client *http.Client
}

// HTTPRequestConfig defines the configuration for HTTP request nodes.
type HTTPRequestConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// NewHTTPRequestNode creates a new HTTP request node.
func NewHTTPRequestNode(id string, config map[string]any) (*HTTPRequestNode, error) {
	httpConfig := HTTPRequestConfig{
		Method:  http.MethodPost,
		Headers: make(map[string]string),
	}

	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, errors.New("missing required field 'url'")
	}

	httpConfig.URL = url

	if method, ok := config["method"].(string); ok {
		httpConfig.Method = strings.ToUpper(method)
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if strVal, ok := v.(string); ok {
				httpConfig.Headers[k] = strVal
			}
		}
	}

	if body, ok := config["body"].(string); ok {
		httpConfig.Body = body
	}

	return &HTTPRequestNode{
		id:     id,
		config: httpConfig,
		client: http.DefaultClient,
	}, nil
}

// Execute renders the request templates, sends it and returns the response.
// The request is bound to ctx so the node timeout aborts it.
func (n *HTTPRequestNode) Execute(ctx context.Context, input map[string]any, nodeCtx protocol.NodeContext) (map[string]any, error) {
	url, err := template.RenderString(n.config.URL, input)
	if err != nil {
		return nil, fmt.Errorf("failed to render URL template: %w", err)
	}

	var body io.Reader

	if n.config.Body != "" {
		renderedBody, err := template.RenderString(n.config.Body, input)
		if err != nil {
			return nil, fmt.Errorf("failed to render body template: %w", err)
		}

		body = strings.NewReader(renderedBody)
	}

	req, err := http.NewRequestWithContext(ctx, n.config.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range n.config.Headers {
		rendered, err := template.RenderString(value, input)
		if err != nil {
			return nil, fmt.Errorf("failed to render header %s: %w", key, err)
		}

		req.Header.Set(key, rendered)
	}

	if nodeCtx.NodeRunID != "" {
		req.Header.Set(IdempotencyHeader, nodeCtx.NodeRunID)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(raw),
	}

	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		output["json"] = decoded
	}

	return output, nil
}
