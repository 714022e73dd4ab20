// Package observability provides the shared OpenTelemetry tracer/meter
// accessors used by the navigation loop and the replay state machine. It
// never configures a global provider itself — a host
// wires up the SDK exporter; this package only names the instrumentation
// scope each component uses.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bugninja-ai/bugninja"

// Tracer returns the shared tracer for a component (e.g. "navigation",
// "replay", "pipeline"), scoped under this module's instrumentation name.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}

// Meter returns the shared meter for a component.
func Meter(component string) metric.Meter {
	return otel.Meter(instrumentationName + "/" + component)
}
