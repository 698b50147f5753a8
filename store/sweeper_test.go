package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewreder/paygate/go-api/x402"
)

type countingSweeper struct {
	calls atomic.Int32
	fail  bool
}

func (s *countingSweeper) DeleteExpired(context.Context, time.Time) (int64, error) {
	s.calls.Add(1)
	if s.fail {
		return 0, errors.New("db down")
	}
	return 2, nil
}

func sweptTotal(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "paygate_ledger_swept_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func runSweeper(t *testing.T, sweeper x402.Sweeper, metrics *x402.Metrics, minCalls int32, calls func() int32) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, sweeper, 5*time.Millisecond, metrics, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls() >= minCalls }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestRunSweeper(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics := x402.NewMetrics(reg)
	sweeper := &countingSweeper{}

	runSweeper(t, sweeper, metrics, 2, sweeper.calls.Load)

	assert.Equal(t, float64(2*sweeper.calls.Load()), sweptTotal(t, reg))
}

func TestRunSweeperKeepsGoingOnError(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics := x402.NewMetrics(reg)
	sweeper := &countingSweeper{fail: true}

	runSweeper(t, sweeper, metrics, 3, sweeper.calls.Load)

	assert.Zero(t, sweptTotal(t, reg))
}

func TestRunSweeperAgainstLedger(t *testing.T) {
	t.Parallel()
	l := NewMemoryLedger()
	expired := testRow()
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	_, err := l.TryInsert(context.Background(), expired)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunSweeper(ctx, l, 5*time.Millisecond, nil, nil)

	assert.Eventually(t, func() bool { return l.Len() == 0 }, 2*time.Second, time.Millisecond)
}
