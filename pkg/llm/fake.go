package llm

import (
	"context"
	"sync"

	"github.com/bugninja-ai/bugninja/pkg/errs"
)

// FakeProvider is an in-memory Provider for tests: it plays back a
// pre-scripted sequence of DecideResult values, one per
// CompleteStructured call, so navigation-loop tests don't need a real
// model or network.
type FakeProvider struct {
	mu       sync.Mutex
	Scripted []DecideResult
	// ParseFailures marks CompleteStructured call indices (0-based,
	// counting retries) that should simulate an unparseable structured
	// response, for exercising §4.4/§7's bounded retry. A failing call
	// still consumes the Scripted entry at its index.
	ParseFailures map[int]bool
	at            int
	Model         string
	MaxTok        int

	// Received records the messages passed to every CompleteStructured
	// call, in order, so a test can assert on what the decide step saw.
	Received [][]Message
}

func NewFakeProvider(script []DecideResult) *FakeProvider {
	return &FakeProvider{Scripted: script, Model: "fake-model", MaxTok: 8192}
}

func (p *FakeProvider) Complete(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	return "ok", nil
}

func (p *FakeProvider) CompleteStructured(ctx context.Context, systemPrompt string, messages []Message) (DecideResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.at
	p.at++
	p.Received = append(p.Received, messages)

	if p.ParseFailures[idx] {
		return DecideResult{}, errs.New(errs.KindLLM, "structured response did not match expected shape")
	}
	if idx >= len(p.Scripted) {
		return DecideResult{}, errs.New(errs.KindLLM, "fake provider: script exhausted")
	}
	return p.Scripted[idx], nil
}

func (p *FakeProvider) ModelName() string { return p.Model }
func (p *FakeProvider) MaxTokens() int    { return p.MaxTok }
