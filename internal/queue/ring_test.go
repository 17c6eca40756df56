package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem(n int) *Item {
	return NewItem(MethodIngestEvent, map[string]any{"n": n}, time.Unix(int64(n), 0))
}

func payloadN(t *testing.T, item *Item) int {
	t.Helper()
	require.NotNil(t, item)
	n, ok := item.Payload["n"].(int)
	require.True(t, ok, "payload n missing")
	return n
}

func TestRing_PushPopFIFO(t *testing.T) {
	r := New(3)
	r.Push(testItem(1))
	r.Push(testItem(2))
	assert.Equal(t, 2, r.Len())

	item, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, payloadN(t, item))
	assert.Equal(t, 1, r.Len())
}

func TestRing_PopEmpty(t *testing.T) {
	r := New(5)

	item, ok := r.Pop()
	assert.False(t, ok)
	assert.Nil(t, item)
	assert.Equal(t, 0, r.Len())
}

func TestRing_CapacityTwoEvictsOldest(t *testing.T) {
	r := New(2)
	a, b, c := testItem(1), testItem(2), testItem(3)

	assert.Nil(t, r.Push(a))
	assert.Nil(t, r.Push(b))
	evicted := r.Push(c)
	assert.Same(t, a, evicted)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Pop()
	require.True(t, ok)
	assert.Same(t, b, got)
	got, ok = r.Pop()
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.Pop()
	assert.False(t, ok)
}

func TestRing_OverflowKeepsNewestInOrder(t *testing.T) {
	tests := []struct {
		capacity int
		pushes   int
	}{
		{capacity: 1, pushes: 5},
		{capacity: 3, pushes: 3},
		{capacity: 4, pushes: 10},
		{capacity: 7, pushes: 100},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("cap=%d/n=%d", tt.capacity, tt.pushes), func(t *testing.T) {
			r := New(tt.capacity)
			evictions := 0
			for i := 0; i < tt.pushes; i++ {
				if r.Push(testItem(i)) != nil {
					evictions++
				}
			}

			keep := tt.capacity
			if tt.pushes < keep {
				keep = tt.pushes
			}
			assert.Equal(t, keep, r.Len())
			assert.Equal(t, tt.pushes-keep, evictions)

			for want := tt.pushes - keep; want < tt.pushes; want++ {
				item, ok := r.Pop()
				require.True(t, ok)
				assert.Equal(t, want, payloadN(t, item))
			}
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRing_WrapAroundInterleaved(t *testing.T) {
	r := New(3)
	next := 0
	expect := 0
	for round := 0; round < 20; round++ {
		r.Push(testItem(next))
		next++
		r.Push(testItem(next))
		next++
		for r.Len() > 1 {
			item, _ := r.Pop()
			n := payloadN(t, item)
			assert.GreaterOrEqual(t, n, expect)
			expect = n + 1
		}
	}
	assert.LessOrEqual(t, r.Len(), r.Cap())
}

func TestRing_MinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, New(0).Cap())
	assert.Equal(t, 1, New(-10).Cap())
	assert.Equal(t, 1000, New(1000).Cap())
}

func TestRing_Drain(t *testing.T) {
	r := New(4)
	for i := 0; i < 6; i++ {
		r.Push(testItem(i))
	}

	items := r.Drain()
	require.Len(t, items, 4)
	for i, item := range items {
		assert.Equal(t, i+2, payloadN(t, item))
	}
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Drain())
}

func TestRing_EvictionMetric(t *testing.T) {
	before := testutil.ToFloat64(queueEvictionsTotal)

	r := New(2)
	for i := 0; i < 5; i++ {
		r.Push(testItem(i))
	}

	assert.Equal(t, before+3, testutil.ToFloat64(queueEvictionsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(queueSize))
}

func TestNewItem(t *testing.T) {
	now := time.Now()
	item := NewItem(MethodIngestOutcome, map[string]any{"k": "v"}, now)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, MethodIngestOutcome, item.Method)
	assert.Equal(t, 0, item.Retries)
	assert.Equal(t, now, item.EnqueuedAt)
	assert.NotEqual(t, item.ID, NewItem(MethodIngestOutcome, nil, now).ID)
}

func TestMethod_Valid(t *testing.T) {
	for _, m := range []Method{MethodIngestEvent, MethodIngestToolOutput, MethodIngestObservation, MethodIngestOutcome} {
		assert.True(t, m.Valid(), string(m))
	}
	assert.False(t, Method("Retrieve").Valid())
	assert.False(t, Method("").Valid())
}

func BenchmarkRing_PushPop(b *testing.B) {
	r := New(1000)
	item := testItem(1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r.Push(item)
		r.Pop()
	}
}

func BenchmarkRing_PushOverflow(b *testing.B) {
	r := New(1000)
	item := testItem(1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r.Push(item)
	}
}
