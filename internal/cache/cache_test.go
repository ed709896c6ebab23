// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetGet(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	key := Key("svc-1", "fp-1")
	c.Set(key, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), time.Minute)

	data, ok := c.Get(key)
	assert.True(t, ok)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(data))
}

func TestCache_MissOnUnknownKey(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	_, ok := c.Get("nothing-here")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.GetStats().Misses)
}

func TestCache_ExpiredEntryIsAMiss(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	key := Key("svc-1", "fp-1")
	c.Set(key, []byte("payload"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestCache_ZeroTTLDisablesCaching(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	key := Key("svc-1", "fp-1")
	c.Set(key, []byte("payload"), 0)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestCache_DeleteService(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	c.Set(Key("svc-1", "a"), []byte("a"), time.Minute)
	c.Set(Key("svc-1", "b"), []byte("b"), time.Minute)
	c.Set(Key("svc-2", "c"), []byte("c"), time.Minute)

	c.DeleteService("svc-1")

	_, ok := c.Get(Key("svc-1", "a"))
	assert.False(t, ok)
	_, ok = c.Get(Key("svc-2", "c"))
	assert.True(t, ok)
}

func TestCache_SweepPurgesExpired(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Close()

	c.Set(Key("svc-1", "fp"), []byte("payload"), time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	c.mu.RLock()
	_, stillPresent := c.entries[Key("svc-1", "fp")]
	c.mu.RUnlock()
	assert.False(t, stillPresent)
}
