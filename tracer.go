package polos

import "context"

// Tracer opens spans without requiring callers to import an OTel
// dependency directly, matching the teacher's tracer.go abstraction
// (package telemetry supplies the OTel-backed implementation).
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one open trace span.
type Span interface {
	SetAttr(attr SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is one key/value span attribute.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr  { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// noopTracer is used whenever a component is constructed without an
// explicit Tracer, matching the teacher's nopLogger convention of never
// leaving a dependency nil.
type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(SpanAttr)          {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)               {}
func (noopSpan) End()                      {}

// NoopTracer returns a Tracer whose spans do nothing, the safe default for
// components that don't have telemetry wired in yet.
func NoopTracer() Tracer { return noopTracer{} }
