package main

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "flowgate"

// setupTracing installs a stdout exporter when enabled. Spans go to
// outputFile, or os.Stdout when it is empty. The returned shutdown flushes
// pending spans.
func setupTracing(enabled bool, outputFile string) (trace.Tracer, func(context.Context) error, error) {
	if !enabled {
		return noop.NewTracerProvider().Tracer(serviceName), func(context.Context) error { return nil }, nil
	}

	var w io.Writer = os.Stdout
	var closeOutput func() error
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return nil, nil, err
		}
		w, closeOutput = f, f.Close
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closeOutput != nil {
			if cerr := closeOutput(); err == nil {
				err = cerr
			}
		}
		return err
	}
	return tp.Tracer(serviceName), shutdown, nil
}
