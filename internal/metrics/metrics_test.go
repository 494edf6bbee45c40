package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAggregates(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 100; i++ {
		r.Observe("add_message", time.Duration(i)*time.Millisecond, i%10 == 0)
	}

	snap := r.Snapshot()
	op, ok := snap["add_message"]
	require.True(t, ok)
	assert.EqualValues(t, 100, op.Count)
	assert.EqualValues(t, 10, op.Errors)
	assert.InDelta(t, 0.1, op.ErrorRate, 0.001)
	assert.InDelta(t, 50, op.P50Millis, 1)
	assert.InDelta(t, 95, op.P95Millis, 1)
}

func TestSampleRingEvictsOldest(t *testing.T) {
	r := NewRegistry()
	// Old slow samples are displaced by newer fast ones.
	for i := 0; i < sampleRingSize; i++ {
		r.Observe("op", time.Second, false)
	}
	for i := 0; i < sampleRingSize; i++ {
		r.Observe("op", time.Millisecond, false)
	}

	op := r.Snapshot()["op"]
	assert.EqualValues(t, 2*sampleRingSize, op.Count)
	assert.InDelta(t, 1, op.P95Millis, 0.5)
}

func TestTimerRecords(t *testing.T) {
	r := NewRegistry()
	stop := r.Timer("get_messages")
	stop(true)

	op := r.Snapshot()["get_messages"]
	assert.EqualValues(t, 1, op.Count)
	assert.EqualValues(t, 1, op.Errors)
}

func TestSnapshotEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Snapshot())
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.EqualValues(t, 5, percentile(sorted, 0.50))
	assert.EqualValues(t, 10, percentile(sorted, 0.95))
	assert.EqualValues(t, 1, percentile(sorted, 0.0))
	assert.EqualValues(t, 0, percentile(nil, 0.5))
}
