package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolveTarget tests endpoint forms
func TestResolveTarget(t *testing.T) {
	testCases := []struct {
		raw  string
		want Target
		err  bool
	}{
		{raw: "collector", want: Target{Endpoint: "collector:4318", Insecure: true}},
		{raw: "collector:9999", want: Target{Endpoint: "collector:9999", Insecure: true}},
		{raw: "http://collector/v1/traces/", want: Target{Endpoint: "collector:4318", Path: "/v1/traces", Insecure: true}},
		{raw: "https://otel.example.com", want: Target{Endpoint: "otel.example.com:4318"}},
		{raw: "grpc://collector:4317", err: true},
		{raw: "", err: true},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ResolveTarget(tc.raw)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// TestSetupDisabled tests an empty endpoint installs nothing
func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), "engine", "", nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
