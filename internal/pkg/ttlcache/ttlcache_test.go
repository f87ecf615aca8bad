package ttlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func TestCache_Expiry(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string, int](time.Minute).WithClock(clk.now)

	c.Set("posts:1789:20", 42)
	v, ok := c.Get("posts:1789:20")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	clk.t = clk.t.Add(59 * time.Second)
	_, ok = c.Get("posts:1789:20")
	assert.True(t, ok)

	clk.t = clk.t.Add(time.Second)
	_, ok = c.Get("posts:1789:20")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_NoExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := New[string, string](0).WithClock(clk.now)
	c.Set("page:1", "token")
	clk.t = clk.t.Add(24 * 365 * time.Hour)

	v, ok := c.Get("page:1")
	assert.True(t, ok)
	assert.Equal(t, "token", v)
}

func TestCache_PurgeAndDelete(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := New[int, int](time.Second).WithClock(clk.now)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Delete(2)
	assert.Equal(t, 1, c.Len())

	clk.t = clk.t.Add(2 * time.Second)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Len())
}

func TestCache_IndependentInstances(t *testing.T) {
	a := New[string, int](time.Minute)
	b := New[string, int](time.Minute)
	a.Set("k", 1)
	_, ok := b.Get("k")
	assert.False(t, ok)
}
