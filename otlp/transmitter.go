// Package otlp exports harvested apmz metrics to an OpenTelemetry collector
// over gRPC.
package otlp

import (
	"context"
	"fmt"

	"github.com/zoobzio/apmz"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// DefaultEndpoint is the standard OTLP gRPC collector address.
const DefaultEndpoint = "localhost:4317"

// Config describes the collector connection.
type Config struct {
	Endpoint    string            `mapstructure:"endpoint"`
	ServiceName string            `mapstructure:"service-name"`
	Headers     map[string]string `mapstructure:"headers"`
}

// Transmitter sends harvest payloads with the OTLP metrics service.
// It implements apmz.Transmitter.
type Transmitter struct {
	client   colmetricspb.MetricsServiceClient
	conn     *grpc.ClientConn
	resource *resourcepb.Resource
	headers  metadata.MD
	logger   *zap.Logger
}

var _ apmz.Transmitter = (*Transmitter)(nil)

// New creates a transmitter for cfg.Endpoint. The connection is plaintext
// unless opts carry transport credentials.
func New(cfg Config, logger *zap.Logger, opts ...grpc.DialOption) (*Transmitter, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp: connecting to %s: %w", cfg.Endpoint, err)
	}

	t := NewWithClient(colmetricspb.NewMetricsServiceClient(conn), cfg, logger)
	t.conn = conn
	return t, nil
}

// NewWithClient creates a transmitter on an existing client. Close does not
// close the client's connection.
func NewWithClient(client colmetricspb.MetricsServiceClient, cfg Config, logger *zap.Logger) *Transmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transmitter{
		client:   client,
		resource: Resource(cfg.ServiceName),
		logger:   logger,
	}
	if len(cfg.Headers) > 0 {
		t.headers = metadata.New(cfg.Headers)
	}
	return t
}

// Transmit exports the payload. A rejected export returns an error so the
// harvester merges the metrics back. A partial success is logged and
// treated as delivered, since resending would double count the accepted
// points.
func (t *Transmitter) Transmit(ctx context.Context, payload *apmz.Payload) error {
	if payload == nil || len(payload.Metrics) == 0 {
		return nil
	}

	req := BuildRequest(payload, t.resource)
	if t.headers != nil {
		ctx = metadata.NewOutgoingContext(ctx, t.headers)
	}

	resp, err := t.client.Export(ctx, req)
	if err != nil {
		t.logger.Warn("otlp export failed",
			zap.String("code", status.Code(err).String()),
			zap.Int("bytes", proto.Size(req)),
			zap.Error(err),
		)
		return fmt.Errorf("otlp: export: %w", err)
	}

	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		t.logger.Warn("otlp export partially rejected",
			zap.Int64("rejected", ps.GetRejectedDataPoints()),
			zap.String("reason", ps.GetErrorMessage()),
		)
	}

	t.logger.Debug("otlp export",
		zap.Int("metrics", len(payload.Metrics)),
		zap.Int("bytes", proto.Size(req)),
	)
	return nil
}

// Close releases the connection created by New.
func (t *Transmitter) Close() error {
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	return conn.Close()
}
