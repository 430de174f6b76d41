// Package tracing wires opentracing/Jaeger spans across the runtime's
// goroutine and EventBus boundaries: a span started in the reader is
// serialized into a binary carrier attached to the published Event, and a
// downstream consumer extracts it to continue the same trace.
package tracing

import (
	"bytes"
	"context"
	"io"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	jaeger "github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// Tracer is the process-wide tracer. It defaults to opentracing's no-op
// implementation so the runtime can be used without calling Setup; Setup
// installs a real Jaeger tracer when distributed tracing is wanted.
var Tracer opentracing.Tracer = opentracing.NoopTracer{}

var closer io.Closer

// Setup installs a Jaeger tracer reporting as serviceName. Safe to call at
// most once; a no-op tracer remains installed until it is.
func Setup(serviceName string) error {
	cfg := jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: false,
		},
	}

	tracer, c, err := cfg.NewTracer()
	if err != nil {
		return errors.Wrap(err, "tracing: build jaeger tracer error")
	}

	Tracer = tracer
	closer = c
	log.WithField("service", serviceName).Info("tracing: jaeger tracer installed")
	return nil
}

// Close flushes and releases the installed tracer, if any.
func Close() error {
	if closer == nil {
		return nil
	}
	return closer.Close()
}

// StartSpanFromContext starts a child span of whatever span ctx carries (or
// a root span if none), returning the updated context the same way
// opentracing.StartSpanFromContext does against the global tracer.
func StartSpanFromContext(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	return opentracing.StartSpanFromContextWithTracer(ctx, Tracer, operationName)
}

// InjectSpanContextIntoBinaryCarrier serializes span's context so it can
// cross a channel boundary (e.g. attached to an Event) and be picked back
// up by ExtractSpanContextFromBinaryCarrier on the other side.
func InjectSpanContextIntoBinaryCarrier(tracer opentracing.Tracer, span opentracing.Span) ([]byte, error) {
	var buf bytes.Buffer
	if err := tracer.Inject(span.Context(), opentracing.Binary, &buf); err != nil {
		return nil, errors.Wrap(err, "tracing: inject span context error")
	}
	return buf.Bytes(), nil
}

// ExtractSpanContextFromBinaryCarrier is the inverse of
// InjectSpanContextIntoBinaryCarrier.
func ExtractSpanContextFromBinaryCarrier(tracer opentracing.Tracer, carrier []byte) (opentracing.SpanContext, error) {
	sc, err := tracer.Extract(opentracing.Binary, bytes.NewReader(carrier))
	if err != nil {
		return nil, errors.Wrap(err, "tracing: extract span context error")
	}
	return sc, nil
}
