package common

import (
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestRegistry() *Registry {
	return NewRegistry(log.New(), 100*time.Millisecond)
}

func TestRegistry_PutGet(t *testing.T) {
	r := newTestRegistry()

	assert.Nil(t, r.Put("tx-1", "a"))
	assert.Nil(t, r.Put("tx-2", "b"))

	v, ok, err := r.Get("tx-1")
	assert.Nil(t, err)
	assert.True(t, ok, "tx-1 should be registered")
	assert.Equal(t, "a", v)

	_, ok, err = r.Get("tx-3")
	assert.Nil(t, err)
	assert.False(t, ok, "tx-3 was never registered")

	assert.Equal(t, 2, r.Len())
}

func TestRegistry_DuplicatePut(t *testing.T) {
	r := newTestRegistry()

	assert.Nil(t, r.Put("tx-1", "a"))
	err := r.Put("tx-1", "b")
	assert.NotNil(t, err, "second Put for the same id must be rejected")

	v, ok, _ := r.Get("tx-1")
	assert.True(t, ok)
	assert.Equal(t, "a", v, "rejected Put must not overwrite")
}

func TestRegistry_RemoveWinner(t *testing.T) {
	r := newTestRegistry()
	assert.Nil(t, r.Put("tx-1", "a"))

	v, won := r.Remove("tx-1")
	assert.True(t, won, "first Remove wins")
	assert.Equal(t, "a", v)

	_, won = r.Remove("tx-1")
	assert.False(t, won, "second Remove must lose")

	_, ok, _ := r.Get("tx-1")
	assert.False(t, ok)
}

// Racing removals for the same id must produce exactly one winner.
func TestRegistry_ConcurrentRemove(t *testing.T) {
	r := newTestRegistry()

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("tx-%d", i)
		assert.Nil(t, r.Put(id, i))
	}

	var wg sync.WaitGroup
	winners := make(chan string, 500)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("tx-%d", i)
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, won := r.Remove(id); won {
					winners <- id
				}
			}(id)
		}
	}
	wg.Wait()
	close(winners)

	seen := make(map[string]int)
	for id := range winners {
		seen[id]++
	}
	assert.Equal(t, 50, len(seen), "every id must have a winner")
	for id, n := range seen {
		assert.Equalf(t, 1, n, "id %s must have exactly one winner", id)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Snapshot(t *testing.T) {
	r := newTestRegistry()
	assert.Nil(t, r.Put("tx-1", "a"))
	assert.Nil(t, r.Put("tx-2", "b"))

	snap := r.Snapshot()
	assert.Equal(t, map[string]interface{}{"tx-1": "a", "tx-2": "b"}, snap)

	// mutating the snapshot must not touch the registry
	delete(snap, "tx-1")
	_, ok, _ := r.Get("tx-1")
	assert.True(t, ok)
}
