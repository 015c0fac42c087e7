package exporters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/danhnguyen123/data-engineering-outsource/config"
)

type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http"
)

const defaultTimeout = 10 * time.Second

// Collector is where stage spans are shipped
type Collector struct {
	Endpoint string
	Protocol Protocol
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration
}

// FromConfig reads the OTLP_* settings. OTLP_HEADERS entries are key=value.
func FromConfig(cfg *config.Config) (Collector, error) {
	c := Collector{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: Protocol(strings.ToLower(strings.TrimSpace(cfg.OTLPProtocol))),
		Insecure: cfg.OTLPInsecure,
		Timeout:  cfg.OTLPTimeout,
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return Collector{}, fmt.Errorf("unsupported OTLP protocol %q, use grpc or http", cfg.OTLPProtocol)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	for _, h := range cfg.OTLPHeaders {
		if strings.TrimSpace(h) == "" {
			continue
		}
		k, v, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return Collector{}, fmt.Errorf("invalid OTLP header %q, expected key=value", h)
		}
		if c.Headers == nil {
			c.Headers = map[string]string{}
		}
		c.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return c, nil
}

// New connects an exporter to the collector
func New(ctx context.Context, c Collector) (sdktrace.SpanExporter, error) {
	switch c.Protocol {
	case ProtocolHTTP:
		return otlptracehttp.New(ctx, c.httpOptions()...)
	case ProtocolGRPC:
		return otlptracegrpc.New(ctx, c.grpcOptions()...)
	}
	return nil, fmt.Errorf("unsupported OTLP protocol %q", c.Protocol)
}

func (c Collector) grpcOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint), otlptracegrpc.WithTimeout(c.Timeout)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	if c.Headers != nil {
		opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
	}
	return opts
}

func (c Collector) httpOptions() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.Endpoint), otlptracehttp.WithTimeout(c.Timeout)}
	if c.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if c.Headers != nil {
		opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
	}
	return opts
}
