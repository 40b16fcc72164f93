package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, tel.MeterProvider)
	assert.Nil(t, tel.TracerProvider)
	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestNew_Enabled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	config := Config{
		Enabled:          true,
		ServiceName:      "gojostore-test",
		Attributes:       map[string]string{"deployment": "test"},
		TraceSampleRatio: 7,
	}
	tel, shutdown, err := New(config, WithMetricReader(reader), WithSpanProcessor(spans))
	require.NoError(t, err)

	counter, err := tel.Meter.Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)
	_, span := tel.Tracer.Start(context.Background(), "op")
	span.End()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	v, ok := rm.Resource.Set().Value("deployment")
	require.True(t, ok)
	assert.Equal(t, "test", v.AsString())
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "test.counter", rm.ScopeMetrics[0].Metrics[0].Name)
	require.Len(t, spans.Ended(), 1, "an out of range ratio samples everything")
	assert.Equal(t, "op", spans.Ended()[0].Name())

	require.NoError(t, shutdown(context.Background()))
}
