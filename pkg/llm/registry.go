package llm

import (
	"fmt"

	"github.com/bugninja-ai/bugninja/pkg/config"
	"github.com/bugninja-ai/bugninja/pkg/errs"
	"github.com/bugninja-ai/bugninja/pkg/registry"
)

// Factory builds a Provider from an LLMConfig, for providers registered
// under the name config.LLMConfig.Provider references.
type Factory func(cfg config.LLMConfig) (Provider, error)

// providers is the process-wide registry of known provider factories,
// keyed by the name a host's LLMConfig.Provider field names (e.g.
// "openai", "anthropic", "fake"). A host registers its own factories at
// startup via Register, then builds a Provider from config via Build
// rather than switching on cfg.Provider itself everywhere it's needed.
var providers = registry.New[Factory]()

// Register adds a provider factory under name. It panics on a duplicate
// name — factory registration happens once at init/startup, and a
// silently shadowed factory is a programming error, not a runtime one.
func Register(name string, factory Factory) {
	if err := providers.Register(name, factory); err != nil {
		panic(err)
	}
}

// Build constructs a Provider from cfg using the factory registered under
// cfg.Provider, or a configuration_error if none was registered.
func Build(cfg config.LLMConfig) (Provider, error) {
	factory, ok := providers.Get(cfg.Provider)
	if !ok {
		return nil, errs.New(errs.KindConfiguration,
			fmt.Sprintf("llm: no provider factory registered under %q (registered: %v)", cfg.Provider, providers.Keys()))
	}
	return factory(cfg)
}
