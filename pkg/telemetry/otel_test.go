package telemetry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

type traceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
}

func startTraceCollector(t *testing.T) (*traceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	collector := &traceCollector{}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})
	return collector, lis.Addr().String()
}

func (c *traceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	c.resourceSpans = append(c.resourceSpans, req.ResourceSpans...)
	c.mu.Unlock()
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (c *traceCollector) received() []*tracepb.ResourceSpans {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*tracepb.ResourceSpans(nil), c.resourceSpans...)
}

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupProviderExportsSpans(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	collector, addr := startTraceCollector(t)

	shutdown, err := SetupProvider(context.Background(), Config{
		Endpoint:       addr,
		Insecure:       true,
		ServiceVersion: "1.2.3",
		Environment:    "test",
		ResourceTags:   map[string]string{"archetype": "player"},
	})
	require.NoError(t, err)

	_, span := otel.Tracer("skirmish/test").Start(context.Background(), "pipeline.run")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))

	resourceSpans := collector.received()
	require.NotEmpty(t, resourceSpans)

	attrs := map[string]string{}
	for _, kv := range resourceSpans[0].GetResource().GetAttributes() {
		attrs[kv.GetKey()] = kv.GetValue().GetStringValue()
	}
	assert.Equal(t, DefaultServiceName, attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.Equal(t, "test", attrs["deployment.environment"])
	assert.Equal(t, "player", attrs["archetype"])

	var names []string
	for _, rs := range resourceSpans {
		for _, scope := range rs.GetScopeSpans() {
			for _, s := range scope.GetSpans() {
				names = append(names, s.GetName())
			}
		}
	}
	assert.Contains(t, names, "pipeline.run")
}

func TestSamplerRatioBounds(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
