package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPostgresPool struct {
	stats PoolStats
}

func (m *mockPostgresPool) Stats() PoolStats { return m.stats }

func TestNewPrometheusExporter(t *testing.T) {
	mockPool := &mockPostgresPool{stats: PoolStats{ActiveConnections: 5, IdleConnections: 10}}
	reg := prometheus.NewRegistry()

	exporter := NewPrometheusExporter(mockPool, reg)

	require.NotNil(t, exporter)
	assert.Equal(t, mockPool, exporter.pool)
}

func TestPrometheusExporter_StartStop(t *testing.T) {
	mockPool := &mockPostgresPool{
		stats: PoolStats{
			ActiveConnections:  5,
			IdleConnections:    10,
			TotalQueries:       1000,
			QueryExecutionTime: 500 * time.Millisecond,
			ConnectionErrors:   2,
			QueryErrors:        5,
			TimeoutErrors:      1,
		},
	}
	reg := prometheus.NewRegistry()
	exporter := NewPrometheusExporter(mockPool, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	exporter.Start(ctx, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	exporter.Stop()

	gathered, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, gathered)
}

func TestPrometheusExporter_ExportMetrics(t *testing.T) {
	mockPool := &mockPostgresPool{
		stats: PoolStats{
			ActiveConnections:  7,
			IdleConnections:    3,
			TotalQueries:       500,
			QueryExecutionTime: 250 * time.Millisecond,
			ConnectionErrors:   1,
			QueryErrors:        2,
		},
	}
	reg := prometheus.NewRegistry()
	exporter := NewPrometheusExporter(mockPool, reg)

	exporter.exportMetrics()

	exporter.pool = nil
	require.NotPanics(t, exporter.exportMetrics)
}

func TestPrometheusExporter_RecordQuery(t *testing.T) {
	mockPool := &mockPostgresPool{}
	reg := prometheus.NewRegistry()
	exporter := NewPrometheusExporter(mockPool, reg)

	exporter.RecordQuery("select", 10*time.Millisecond, true)
	exporter.RecordQuery("insert", 20*time.Millisecond, false)
	exporter.RecordConnectionWait(5 * time.Millisecond)

	gathered, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, gathered)
}

func BenchmarkPrometheusExporter_ExportMetrics(b *testing.B) {
	mockPool := &mockPostgresPool{
		stats: PoolStats{
			ActiveConnections:  5,
			IdleConnections:    10,
			TotalQueries:       1000,
			QueryExecutionTime: 500 * time.Millisecond,
		},
	}
	reg := prometheus.NewRegistry()
	exporter := NewPrometheusExporter(mockPool, reg)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		exporter.exportMetrics()
	}
}
