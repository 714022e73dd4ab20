package browser

import (
	"context"
	"fmt"

	"github.com/bugninja-ai/bugninja/pkg/errs"
	"github.com/bugninja-ai/bugninja/pkg/registry"
)

// Factory builds an isolated Controller for one run under dataDir,
// returning a shutdown func the caller invokes once done. It is a type
// alias (not a distinct named type) so it assigns directly to
// pkg/pipeline.ClientFactory and any other caller-defined function type
// with the same signature, without a wrapper closure at every call site.
type Factory = func(ctx context.Context, dataDir string) (Controller, func(), error)

// factories is the process-wide registry of named Controller launchers
// (e.g. "chromium-plugin" dialing the hashicorp/go-plugin worker this
// package ships, "fake" for tests/examples), so a host can select one by
// configuration string instead of wiring a ClientFactory closure by hand
// at every pipeline.New call site.
var factories = registry.New[Factory]()

// Register adds a Controller factory under name. It panics on a
// duplicate name — registrations happen once at startup.
func Register(name string, factory Factory) {
	if err := factories.Register(name, factory); err != nil {
		panic(err)
	}
}

// Build looks up the Controller factory registered under name.
func Build(name string) (Factory, error) {
	factory, ok := factories.Get(name)
	if !ok {
		return nil, errs.New(errs.KindConfiguration,
			fmt.Sprintf("browser: no controller factory registered under %q (registered: %v)", name, factories.Keys()))
	}
	return factory, nil
}
