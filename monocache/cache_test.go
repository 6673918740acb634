package monocache

import (
	"fmt"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClock() *timeutil.SimulatedClock {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return clock
}

func TestCacheTable(t *testing.T) {
	cache := NewCacheTable(1000, 0, 0, newClock())
	defer cache.Stop()
	cache.Add("a", []byte("data1"))
	cache.Add("b", []byte("data2"))
	cache.Add("c", []byte("data3"))
	assert.Equal(t, 3, cache.Len())
	got, err := cache.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("data2"), got)

	cache.Add("b", []byte("data4"))
	got, err = cache.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("data4"), got)

	cache.Del("a")
	_, err = cache.Get("a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 2, cache.Len())
}

func TestCacheTableTTL(t *testing.T) {
	clock := newClock()
	cache := NewCacheTable(10, 10*time.Second, 0, clock)
	defer cache.Stop()
	cache.Add("a", []byte("data1"))
	clock.AdvanceTime(5 * time.Second)
	cache.Add("b", []byte("data2"))
	clock.AdvanceTime(6 * time.Second)

	_, err := cache.Get("a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = cache.Get("b")
	assert.NoError(t, err)

	clock.AdvanceTime(5 * time.Second)
	cache.Sweep()
	assert.Equal(t, 0, cache.Len())
}

func TestCacheTableFull(t *testing.T) {
	cache := NewCacheTable(2, 0, 0, newClock())
	defer cache.Stop()
	cache.SetMinSize(2)
	cache.Add("a", []byte("data1"))
	cache.Add("b", []byte("data2"))
	cache.Add("c", []byte("data3"))
	// new items survive the sweep of their generation
	cache.Sweep()
	assert.Equal(t, 3, cache.Len())
	assert.Equal(t, uint64(1), cache.GetCacheGeneration())

	for i := 0; i < 3; i++ {
		_, err := cache.Get("a")
		require.NoError(t, err)
	}
	cache.Sweep()
	assert.Equal(t, 2, cache.Len())
	_, err := cache.Get("a")
	assert.NoError(t, err, "most read item is kept")
}

func TestAddGet(t *testing.T) {
	cache := NewCacheTable(10005, time.Minute, 0, nil)
	defer cache.Stop()
	for a := 0; a < 1000; a++ {
		cache.Add(fmt.Sprint(a), []byte("foo"))
	}
	for a := 0; a < 1000; a++ {
		if _, err := cache.Get(fmt.Sprint(a)); err != nil {
			t.Errorf("cache.Get() failed: %v", err)
		}
	}
}

func TestBackgroundSweep(t *testing.T) {
	clock := newClock()
	cache := NewCacheTable(10, time.Second, time.Millisecond, clock)
	cache.Add("a", []byte("x"))
	clock.AdvanceTime(2 * time.Second)
	assert.Eventually(t, func() bool { return cache.Len() == 0 }, 5*time.Second, time.Millisecond)
	cache.Stop()
	cache.Stop()
}
