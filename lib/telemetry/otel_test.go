package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/config"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRejectsUnparseableEndpoint(t *testing.T) {
	_, _, err := Init(context.Background(), config.TelemetrySettings{
		OTLPEndpoint: "http://collector:4318/%zz",
	})
	require.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("http://collector:4318")
	require.NoError(t, err)
	require.Equal(t, "collector:4318", host)
	require.True(t, insecure)

	host, insecure, err = parseEndpoint("https://otel.example.com")
	require.NoError(t, err)
	require.Equal(t, "otel.example.com", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("collector:4318")
	require.NoError(t, err)
	require.Equal(t, "collector:4318", host)
	require.True(t, insecure)
}
