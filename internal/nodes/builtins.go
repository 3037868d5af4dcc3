package nodes

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
)

// Built-in node types
const (
	TypeEnd         = "end"
	TypePassthrough = "passthrough"
	TypeDelay       = "delay"
	TypeHTTPRequest = "http_request"
	TypeWaitTrigger = "wait_trigger"
	TypeLLM         = "llm"
)

func registerBuiltins(r *Registry) {
	for _, t := range []string{domain.NodeTypeStart, domain.NodeTypeManualTrigger, domain.NodeTypeWebhook, domain.NodeTypeSchedule} {
		r.Register(t, func(Deps) Node { return NodeFunc(entryNode) })
	}
	r.Register(TypeEnd, func(Deps) Node { return NodeFunc(endNode) })
	r.Register(TypePassthrough, func(Deps) Node { return NodeFunc(passthroughNode) })
	r.Register(TypeDelay, func(Deps) Node { return NodeFunc(delayNode) })
	r.Register(TypeHTTPRequest, func(d Deps) Node { return &httpRequestNode{client: d.HTTPClient} })
	r.Register(TypeWaitTrigger, func(d Deps) Node { return &waitTriggerNode{broker: d.Broker, logger: d.Logger} })
	r.Register(TypeLLM, func(d Deps) Node { return &llmNode{client: d.LLM} })
}

// entryNode emits its configured data, or an empty object
func entryNode(ctx context.Context, in Input) (interface{}, error) {
	if data, ok := in.Node.FormValues["data"]; ok {
		return data, nil
	}
	return map[string]interface{}{}, nil
}

// endNode collects its inputs
func endNode(ctx context.Context, in Input) (interface{}, error) {
	return map[string]interface{}{"inputs": in.Payload}, nil
}

// passthroughNode forwards its input. A single predecessor's output is
// forwarded as is.
func passthroughNode(ctx context.Context, in Input) (interface{}, error) {
	if len(in.Payload) == 1 {
		for _, v := range in.Payload {
			return v, nil
		}
	}
	return in.Payload, nil
}

// delayNode sleeps for form value "duration" then forwards its input
func delayNode(ctx context.Context, in Input) (interface{}, error) {
	d, err := durationValue(in.Node.FormValues, "duration", time.Second)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return passthroughNode(ctx, in)
}

// durationValue reads a duration form value given as "1.5s" style text or
// as a number of seconds.
func durationValue(values map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("invalid %s %q", key, v)
	default:
		return 0, fmt.Errorf("invalid %s of type %T", key, raw)
	}
}

func stringValue(values map[string]interface{}, key string) string {
	s, _ := values[key].(string)
	return s
}
