package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	for _, opts := range []Options{
		{ServiceName: "entitlementd"},
		{ServiceName: "entitlementd", Endpoint: "http://collector:4318", Enabled: false},
		{ServiceName: "entitlementd", Endpoint: "  ", Enabled: true},
	} {
		shutdown, err := Setup(context.Background(), opts)
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	}
}

func TestSetup_Enabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{
		ServiceName: "entitlementd",
		Endpoint:    "http://127.0.0.1:4318",
		Enabled:     true,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
