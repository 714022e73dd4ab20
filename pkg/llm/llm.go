// Package llm defines the chat-completion capability the Navigation Loop
// (C4) consumes (§6): a system/user message slot and structured-output
// parsing into {current_state, action[]}. The engine never depends on a
// specific provider — Provider is implemented out-of-package by a host.
package llm

import (
	"context"

	"github.com/bugninja-ai/bugninja/pkg/action"
	"github.com/bugninja-ai/bugninja/pkg/traversal"
)

// Message is one turn in a chat-completion request.
type Message struct {
	Role    string
	Content string
}

// DecideResult is a parsed structured response: the LLM's situational
// assessment plus the batch of actions it wants executed next.
type DecideResult struct {
	CurrentState traversal.BrainState
	Actions      []action.Model
}

// Provider is the capability set the Navigation Loop needs from an LLM.
// Temperature and model name are configuration (pkg/config.LLMConfig);
// this interface carries only the request/response shape.
type Provider interface {
	// Complete returns free-form text for a plain chat completion.
	Complete(ctx context.Context, systemPrompt string, messages []Message) (string, error)

	// CompleteStructured requests a response conforming to the
	// {current_state, action[]} shape. A Provider that cannot parse its
	// own output into that shape returns a *errs.EngineError of kind
	// llm_error; the Navigation Loop treats that as the transient,
	// bounded-retry failure described in §4.4/§7.
	CompleteStructured(ctx context.Context, systemPrompt string, messages []Message) (DecideResult, error)

	ModelName() string
	MaxTokens() int
}
