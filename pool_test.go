package clamd

import (
	"context"
	"sync"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevHatRo/clamd-client-go/internal/testutil"
)

func TestPoolRelease(t *testing.T) {
	d := testutil.NewFakeDaemon(t)
	m := NewMetrics()
	client := newTestClient(t, d, WithMaxConnections(2), WithMetrics(m))
	p := client.pool

	t.Run("healthy connection returns to the free list", func(t *testing.T) {
		c, err := p.acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, p.stats().InUse)
		assert.Equal(t, 1, p.stats().Idle)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.connectionsUsed))

		p.release(c, true)
		assert.Equal(t, 0, p.stats().InUse)
		assert.Equal(t, 2, p.stats().Idle)
		assert.Equal(t, 2, p.stats().Open)
		assert.Equal(t, 0.0, promtest.ToFloat64(m.connectionsUsed))
		assert.Len(t, p.slots, 0)
	})

	t.Run("second release is ignored", func(t *testing.T) {
		c, err := p.acquire(context.Background())
		require.NoError(t, err)

		p.release(c, false)
		p.release(c, false)
		assert.Equal(t, 0, p.stats().InUse)
		assert.Equal(t, 1, p.stats().Open)
		assert.Len(t, p.slots, 0)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.connectionsOpen))
	})

	t.Run("spent connection is closed", func(t *testing.T) {
		c, err := p.acquire(context.Background())
		require.NoError(t, err)
		c.spent = true

		p.release(c, true)
		assert.Equal(t, 0, p.stats().Open)
		assert.Equal(t, 0, p.stats().Idle)
		assert.Equal(t, 0.0, promtest.ToFloat64(m.connectionsOpen))
	})
}

func TestPoolGaugesUnderConcurrency(t *testing.T) {
	d := testutil.NewFakeDaemon(t)
	m := NewMetrics()
	client := newTestClient(t, d, WithMaxConnections(8), WithMaxPendingAcquires(200), WithMetrics(m))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.Scan(context.Background(), []byte("data"))
		}()
	}
	wg.Wait()

	stats := client.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, float64(stats.Open), promtest.ToFloat64(m.connectionsOpen))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.connectionsUsed))
}
