// Package membrane is a gRPC client for the Membrane memory service.
package membrane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/szibis/membrane-bridge/internal/auth"
	"github.com/szibis/membrane-bridge/internal/compression"
	"github.com/szibis/membrane-bridge/internal/queue"
	tlspkg "github.com/szibis/membrane-bridge/internal/tls"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified Membrane gRPC service.
const ServiceName = "membrane.v1.MembraneService"

// DefaultTimeout bounds a single call when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// ErrUnknownMethod is returned by Call for methods the service does not expose.
var ErrUnknownMethod = errors.New("unknown gRPC method")

var tracer = otel.Tracer("membrane-bridge/membrane")

// Config holds Membrane connection settings.
type Config struct {
	// Endpoint is the gRPC target, e.g. "localhost:50051".
	Endpoint string
	// Timeout bounds each call.
	Timeout time.Duration
	TLS     tlspkg.ClientConfig
	Auth    auth.ClientConfig
	// Compression names the gRPC compressor for requests: "", "none",
	// "gzip" or "zstd".
	Compression string
}

// Client calls Membrane ingest methods. It is safe for concurrent use.
type Client struct {
	conn     *grpc.ClientConn
	endpoint string
	timeout  time.Duration
}

// New creates a client for cfg.Endpoint. The connection is established lazily
// on the first call. Extra dial options are applied after the defaults.
func New(cfg Config, opts ...grpc.DialOption) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("membrane endpoint is required")
	}

	creds, err := tlspkg.ClientCredentials(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUnaryInterceptor(auth.GRPCClientInterceptor(cfg.Auth)),
	}
	switch cfg.Compression {
	case "", string(compression.TypeNone):
	case string(compression.TypeGzip), compression.GRPCZstd:
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.UseCompressor(cfg.Compression)))
	default:
		return nil, fmt.Errorf("unsupported membrane compression %q", cfg.Compression)
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create membrane client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		conn:     conn,
		endpoint: cfg.Endpoint,
		timeout:  timeout,
	}, nil
}

// Endpoint returns the configured target.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call invokes method with payload encoded as a google.protobuf.Struct and
// returns the decoded response.
func (c *Client) Call(ctx context.Context, method string, payload map[string]any) (*structpb.Struct, error) {
	if !queue.Method(method).Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", method, err)
	}

	ctx, span := tracer.Start(ctx, "membrane."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", ServiceName),
			attribute.String("rpc.method", method),
			attribute.String("server.address", c.endpoint),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp := &structpb.Struct{}
	err = c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
	code := status.Code(err)

	requestsTotal.WithLabelValues(method, code.String()).Inc()
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, fmt.Errorf("membrane %s: %w", method, err)
	}
	span.SetStatus(otelcodes.Ok, "")
	return resp, nil
}

// Deliver sends a queued item. It satisfies delivery.Sink.
func (c *Client) Deliver(ctx context.Context, item *queue.Item) error {
	_, err := c.Call(ctx, string(item.Method), item.Payload)
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
