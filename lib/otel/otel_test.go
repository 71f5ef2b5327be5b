package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	p, shutdown, err := Init(context.Background(), Config{ServiceName: "backupd"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NotNil(t, p.Tracer)
	assert.NotNil(t, p.Meter)
	assert.Nil(t, p.LogHandler)
	assert.Nil(t, p.MeterProvider)
	assert.NotNil(t, p.TracerFor("backups"))
	assert.NotNil(t, p.MeterFor("backups"))
	assert.NoError(t, shutdown(context.Background()))
}

func TestRegisterSystemMetricsOnNoopMeter(t *testing.T) {
	p, _, err := Init(context.Background(), Config{ServiceName: "backupd"})
	require.NoError(t, err)
	assert.NoError(t, p.registerSystemMetrics(Config{Version: "dev", Host: "node-1", Driver: "s3"}))
}
