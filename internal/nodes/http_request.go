package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxHTTPBody = 8 << 20

// httpRequestNode calls an HTTP endpoint. Form values: url (required),
// method (GET), headers (object), body (any; defaults to the input).
type httpRequestNode struct {
	client *http.Client
}

func (n *httpRequestNode) Execute(ctx context.Context, in Input) (interface{}, error) {
	url := stringValue(in.Node.FormValues, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(stringValue(in.Node.FormValues, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		payload, ok := in.Node.FormValues["body"]
		if !ok {
			payload = in.Payload
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := in.Node.FormValues["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned %d", method, url, resp.StatusCode)
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   decoded,
	}, nil
}
