package otel

import (
	"context"
	"sync"

	connid "github.com/hanpama/graphsub/internal/connid"
	eventbus "github.com/hanpama/graphsub/internal/eventbus"
	events "github.com/hanpama/graphsub/internal/events"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("graphsub")}
	sub.register()

	return tp.Shutdown, nil
}

type subKey struct {
	cid int64
	op  string
}

type subscriber struct {
	tracer    trace.Tracer
	connSpans sync.Map // cid -> trace.Span
	subSpans  sync.Map // subKey -> trace.Span
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.ConnectionStart) {
		cid, _ := connid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "ws.connection")
		span.SetAttributes(
			attribute.String("http.target", e.Request.URL.Path),
			attribute.String("net.peer.addr", e.Request.RemoteAddr),
		)
		s.connSpans.Store(cid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.ConnectionFinish) {
		cid, _ := connid.FromContext(ctx)
		v, ok := s.connSpans.LoadAndDelete(cid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionStart) {
		cid, _ := connid.FromContext(ctx)
		parent := ctx
		if v, ok := s.connSpans.Load(cid); ok {
			parent = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(parent, "graphql.subscription")
		span.SetAttributes(
			attribute.String("graphql.operation.id", e.OperationID),
			attribute.String("graphql.operation.name", e.OperationName),
		)
		s.subSpans.Store(subKey{cid, e.OperationID}, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionFinish) {
		cid, _ := connid.FromContext(ctx)
		v, ok := s.subSpans.LoadAndDelete(subKey{cid, e.OperationID})
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphql.subscription.sent", e.Sent))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})
}
