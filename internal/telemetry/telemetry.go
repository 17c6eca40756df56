// Package telemetry pushes the bridge's own logs and membrane_bridge_* metrics
// to an OTLP collector.
package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	prombridge "go.opentelemetry.io/contrib/bridges/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/multierr"
)

// Protocols accepted in Config.Protocol.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// MetricPrefix selects the Prometheus families pushed over OTLP.
const MetricPrefix = "membrane_bridge_"

const (
	defaultPushInterval    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Retry controls exporter retries. Zero durations keep the SDK defaults.
type Retry struct {
	Enabled     bool
	Initial     time.Duration
	MaxInterval time.Duration
	MaxElapsed  time.Duration
}

// Config holds OTLP export settings. An empty Endpoint disables export.
type Config struct {
	Endpoint        string
	Protocol        string
	Insecure        bool
	Timeout         time.Duration
	PushInterval    time.Duration
	Compression     string
	Headers         map[string]string
	ShutdownTimeout time.Duration
	Retry           Retry
	// Resource adds attributes such as the Membrane endpoint to every record.
	Resource map[string]string
	// Gatherer is the metric source, prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
}

// Telemetry owns the OTLP log and metric providers.
type Telemetry struct {
	logProvider     *sdklog.LoggerProvider
	meterProvider   *metric.MeterProvider
	logger          otellog.Logger
	resource        *resource.Resource
	shutdownTimeout time.Duration
}

// Enabled reports whether export is running.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.logger != nil
}

// Logger returns the OTLP logger, nil when disabled.
func (t *Telemetry) Logger() otellog.Logger {
	if t == nil {
		return nil
	}
	return t.logger
}

// Resource returns the resource stamped on exported records.
func (t *Telemetry) Resource() *resource.Resource {
	if t == nil {
		return nil
	}
	return t.resource
}

// ShutdownTimeout returns the grace period for Shutdown.
func (t *Telemetry) ShutdownTimeout() time.Duration {
	if t == nil || t.shutdownTimeout <= 0 {
		return defaultShutdownTimeout
	}
	return t.shutdownTimeout
}

// Init starts log and metric export. It returns nil when cfg.Endpoint is empty.
func Init(ctx context.Context, cfg Config, serviceName, serviceVersion string) (*Telemetry, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}
	if cfg.Protocol != ProtocolGRPC && cfg.Protocol != ProtocolHTTP {
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", cfg.Protocol)
	}

	res, err := newResource(ctx, cfg.Resource, serviceName, serviceVersion)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	t := &Telemetry{resource: res, shutdownTimeout: cfg.ShutdownTimeout}

	logExporter, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create log exporter: %w", err)
	}
	t.logProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	t.logger = t.logProvider.Logger(serviceName)

	metricExporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	interval := cfg.PushInterval
	if interval <= 0 {
		interval = defaultPushInterval
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	t.meterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(interval),
			metric.WithProducer(prombridge.NewMetricProducer(
				prombridge.WithGatherer(BridgeGatherer(gatherer)),
			)),
		)),
	)
	return t, nil
}

// BridgeGatherer limits g to the bridge's own metric families. Go runtime and
// process collectors stay on /metrics only.
func BridgeGatherer(g prometheus.Gatherer) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		families, err := g.Gather()
		kept := families[:0]
		for _, mf := range families {
			if strings.HasPrefix(mf.GetName(), MetricPrefix) {
				kept = append(kept, mf)
			}
		}
		return kept, err
	})
}

// newResource identifies this bridge instance. Extra attributes are added in
// key order.
func newResource(ctx context.Context, extra map[string]string, serviceName, serviceVersion string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		attrs = append(attrs, attribute.String(k, extra[k]))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.logProvider != nil {
		err = multierr.Append(err, t.logProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		err = multierr.Append(err, t.meterProvider.Shutdown(ctx))
	}
	return err
}
