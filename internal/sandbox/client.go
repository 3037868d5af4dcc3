package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

const maxResponseSize = 16 << 20

// CommandClient talks to a sandbox's command server. Every call is a
// synchronous request bounded by the command timeout.
type CommandClient struct {
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandClient creates a command channel client
func NewCommandClient(timeout time.Duration, logger *zap.Logger) *CommandClient {
	return &CommandClient{
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Health asks the command server whether it is ready
func (c *CommandClient) Health(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// ExecuteNode sends one node execution and decodes its result. Failures
// are *domain.DispatchError: node errors carry the sandbox's message,
// transport problems are unreachable or timeout, bad bodies are malformed.
func (c *CommandClient) ExecuteNode(ctx context.Context, baseURL, nodeID string, payload map[string]interface{}) (interface{}, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(domain.ExecuteNodeRequest{NodeID: nodeID, Payload: payload})
	if err != nil {
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindMalformed, Reason: "unencodable payload", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, baseURL+"/execute_node", bytes.NewReader(body))
	if err != nil {
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindTimeout, Reason: fmt.Sprintf("no response within %s", c.timeout)}
		}
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindTimeout, Reason: "response body timed out"}
		}
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindUnreachable, Err: err}
	}

	var result domain.NodeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &domain.DispatchError{
			NodeID: nodeID,
			Kind:   domain.DispatchKindMalformed,
			Reason: fmt.Sprintf("undecodable response (HTTP %d)", resp.StatusCode),
			Err:    err,
		}
	}

	switch result.Status {
	case domain.NodeStatusSuccess:
		return result.Result, nil
	case domain.NodeStatusError:
		return nil, &domain.DispatchError{NodeID: nodeID, Kind: domain.DispatchKindNode, Reason: result.Error}
	default:
		return nil, &domain.DispatchError{
			NodeID: nodeID,
			Kind:   domain.DispatchKindMalformed,
			Reason: fmt.Sprintf("unknown status %q (HTTP %d)", result.Status, resp.StatusCode),
		}
	}
}

// Invoker binds the client to one sandbox endpoint
func (c *CommandClient) Invoker(baseURL string) ports.Invoker {
	return &endpointInvoker{client: c, baseURL: baseURL}
}

type endpointInvoker struct {
	client  *CommandClient
	baseURL string
}

func (e *endpointInvoker) Invoke(ctx context.Context, nodeID string, payload map[string]interface{}) (interface{}, error) {
	return e.client.ExecuteNode(ctx, e.baseURL, nodeID, payload)
}
