package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_RoundTrip(t *testing.T) {
	c := New()
	c.Set("k", []byte("v"), time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryCache_MissAfterExpiry(t *testing.T) {
	c := New()
	c.Set("k", []byte("v"), time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	c := New()
	c.Set("k", []byte("v"), 0)

	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestMemoryCache_StoresACopy(t *testing.T) {
	c := New()
	payload := []byte("original")
	c.Set("k", payload, time.Minute)
	payload[0] = 'X'

	got, _ := c.Get("k")
	assert.Equal(t, []byte("original"), got)
}

func TestContextKey(t *testing.T) {
	assert.Equal(t, "chainpulse:context:BTC:1h", ContextKey("BTC", "1h"))
}
