package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/pathflip/controller"

// Metrics contains all the metrics instruments for the controller
type Metrics struct {
	provider *sdkmetric.MeterProvider

	toggleCounter      metric.Int64Counter
	resetCounter       metric.Int64Counter
	provisionCounter   metric.Int64Counter
	deviceEventCounter metric.Int64Counter

	// Barrier round trip as Histogram
	barrierHistogram metric.Float64Histogram
}

// NewMetrics creates a metrics instance exporting to collectorAddr
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	// Parse the collector address
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	// Determine exporter endpoint (host and port)
	exporterEndpoint := parsedURL.Host
	if parsedURL.Host == "" { // If host is empty (e.g. schemeless addr like "localhost:4317")
		if parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/") {
			exporterEndpoint = parsedURL.Opaque
		} else if collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			exporterEndpoint = collectorAddr
		} else {
			return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
	}

	scheme := parsedURL.Scheme
	if parsedURL.Host == "" || scheme == "" {
		// "localhost:4317" parses with "localhost" as the scheme
		scheme = "grpc"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("pathflip-controller"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	// Create OTLP exporter based on configuration
	var exporter sdkmetric.Exporter
	switch strings.ToLower(scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(exporterEndpoint),
		}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, exporterEndpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// NewNoopMetrics returns instruments that record nothing
func NewNoopMetrics() *Metrics {
	m, err := newMetrics(noop.NewMeterProvider().Meter(meterName))
	if err != nil {
		// The noop meter never fails to create instruments
		panic(err)
	}
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	toggleCounter, err := meter.Int64Counter(
		"pathflip.toggles",
		metric.WithDescription("Number of path toggle requests"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	resetCounter, err := meter.Int64Counter(
		"pathflip.resets",
		metric.WithDescription("Number of per-node port resets"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	provisionCounter, err := meter.Int64Counter(
		"pathflip.provisioned_nodes",
		metric.WithDescription("Number of node provisioning passes"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	deviceEventCounter, err := meter.Int64Counter(
		"pathflip.device_events",
		metric.WithDescription("Number of switch connect and disconnect events"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	barrierHistogram, err := meter.Float64Histogram(
		"pathflip.barrier_wait",
		metric.WithDescription("Barrier round trip in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		toggleCounter:      toggleCounter,
		resetCounter:       resetCounter,
		provisionCounter:   provisionCounter,
		deviceEventCounter: deviceEventCounter,
		barrierHistogram:   barrierHistogram,
	}, nil
}

// RecordToggle records a toggle outcome and the path it made live
func (m *Metrics) RecordToggle(ctx context.Context, result, path string) {
	m.toggleCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("path", path),
	))
}

// RecordReset records a port reset of one node
func (m *Metrics) RecordReset(ctx context.Context, node, result string) {
	m.resetCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("result", result),
	))
}

// RecordProvisioned records a completed provisioning of one node
func (m *Metrics) RecordProvisioned(ctx context.Context, node string) {
	m.provisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node)))
}

// RecordDeviceEvent records a connect or disconnect
func (m *Metrics) RecordDeviceEvent(ctx context.Context, event string) {
	m.deviceEventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordBarrier records how long a barrier took and how it ended
func (m *Metrics) RecordBarrier(ctx context.Context, result string, elapsed time.Duration) {
	ms := float64(elapsed.Nanoseconds()) / 1_000_000.0
	m.barrierHistogram.Record(ctx, ms, metric.WithAttributes(attribute.String("result", result)))
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
