// Package otel sets up the global tracer provider. Job executions and admin
// API requests are traced through it.
package otel

import (
	"context"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/flow-hydraulics/blaze-client/configs"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracer exports sampled spans to Cloud Trace when a project id is
// configured. Otherwise the global no-op provider stays in place and the
// returned shutdown func does nothing.
func InitTracer(cfg *configs.Config) (func(context.Context) error, error) {
	if cfg.TracingProjectID == "" {
		log.Debug("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := texporter.New(texporter.WithProjectID(cfg.TracingProjectID))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.TracingSampleRatio)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	log.WithFields(log.Fields{"project": cfg.TracingProjectID, "ratio": cfg.TracingSampleRatio}).Info("Tracing enabled")

	return tp.Shutdown, nil
}
