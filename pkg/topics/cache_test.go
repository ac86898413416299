package topics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(time.Minute)

	_, ok := c.Get("deploy.md")
	assert.False(t, ok, "empty cache should miss")

	c.Set("deploy.md", "check the release branch first")
	got, ok := c.Get("deploy.md")
	require.True(t, ok)
	assert.Equal(t, "check the release branch first", got)

	c.Set("deploy.md", "release branch is frozen")
	got, _ = c.Get("deploy.md")
	assert.Equal(t, "release branch is frozen", got, "Set should replace")
}

func TestCacheEntriesExpire(t *testing.T) {
	c := NewCache(30 * time.Millisecond)
	c.Set("oncall.md", "page the secondary")

	_, ok := c.Get("oncall.md")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("oncall.md")
	assert.False(t, ok, "entry should expire after the TTL")

	// A fresh Set revives the key with a new expiry.
	c.Set("oncall.md", "page the secondary")
	_, ok = c.Get("oncall.md")
	assert.True(t, ok)
}

func TestCacheKeysAreIndependent(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("a.md", "alpha")
	c.Set("b.md", "beta")

	a, _ := c.Get("a.md")
	b, _ := c.Get("b.md")
	assert.Equal(t, "alpha", a)
	assert.Equal(t, "beta", b)
}

func TestCacheConcurrentReadersAndWriters(t *testing.T) {
	c := NewCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			c.Set(fmt.Sprintf("key-%d", n%5), "content")
		}(i)
		go func(n int) {
			defer wg.Done()
			c.Get(fmt.Sprintf("key-%d", n%5))
		}(i)
	}
	wg.Wait()

	got, ok := c.Get("key-0")
	require.True(t, ok)
	assert.Equal(t, "content", got)
}
