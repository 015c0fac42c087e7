package exporters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/config"
)

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(&config.Config{
		OTLPEndpoint: "collector:4318",
		OTLPProtocol: " HTTP ",
		OTLPHeaders:  []string{"x-api-key = secret", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, ProtocolHTTP, c.Protocol)
	assert.Equal(t, "collector:4318", c.Endpoint)
	assert.Equal(t, defaultTimeout, c.Timeout)
	assert.Equal(t, map[string]string{"x-api-key": "secret"}, c.Headers)

	c, err = FromConfig(&config.Config{OTLPProtocol: "grpc", OTLPInsecure: true, OTLPTimeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.Timeout)
	assert.Nil(t, c.Headers)
	assert.Len(t, c.grpcOptions(), 4)
}

func TestFromConfigRejects(t *testing.T) {
	_, err := FromConfig(&config.Config{OTLPProtocol: "zipkin"})
	assert.ErrorContains(t, err, "unsupported OTLP protocol")

	_, err = FromConfig(&config.Config{OTLPProtocol: "grpc", OTLPHeaders: []string{"novalue"}})
	assert.ErrorContains(t, err, "invalid OTLP header")
}

func TestNewHTTPExporter(t *testing.T) {
	exp, err := New(context.Background(), Collector{Endpoint: "localhost:4318", Protocol: ProtocolHTTP, Insecure: true, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))

	_, err = New(context.Background(), Collector{Protocol: "udp"})
	assert.Error(t, err)
}
