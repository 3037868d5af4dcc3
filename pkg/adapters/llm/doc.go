// Package llm provides the LLM client used by the llm node type.
//
// The factory creates clients based on provider configuration.
// Currently supports:
//   - Anthropic Claude
package llm
