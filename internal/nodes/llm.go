package nodes

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/aescanero/dagrun/pkg/adapters/llm"
)

// llmNode completes a prompt. Form values: prompt (text/template rendered
// with the input map as dot), system, model, max_tokens.
type llmNode struct {
	client llm.Client
}

func (n *llmNode) Execute(ctx context.Context, in Input) (interface{}, error) {
	if n.client == nil {
		return nil, fmt.Errorf("no LLM client configured")
	}

	prompt, err := renderPrompt(stringValue(in.Node.FormValues, "prompt"), in.Payload)
	if err != nil {
		return nil, err
	}

	maxTokens := 0
	if v, ok := in.Node.FormValues["max_tokens"].(float64); ok {
		maxTokens = int(v)
	}

	resp, err := n.client.Complete(ctx, llm.CompletionRequest{
		Model:     stringValue(in.Node.FormValues, "model"),
		System:    stringValue(in.Node.FormValues, "system"),
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func renderPrompt(prompt string, data map[string]interface{}) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	tpl, err := template.New("prompt").Option("missingkey=zero").Parse(prompt)
	if err != nil {
		return "", fmt.Errorf("invalid prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
