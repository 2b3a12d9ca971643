package store

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/txn-coordinator/common"
)

func newTestGrid() *MemoryGrid {
	return NewMemoryGrid(log.New(), 50*time.Millisecond)
}

func openActive(t *testing.T, g *MemoryGrid, protocol Protocol) Handle {
	h, err := g.OpenTransaction(protocol, 30*time.Second, common.ReadCommitted)
	assert.Nil(t, err)
	assert.Nil(t, h.Begin())
	return h
}

func TestMemoryGrid_CommitMakesWritesVisible(t *testing.T) {
	g := newTestGrid()

	h := openActive(t, g, TwoPhase)
	m, err := h.GetMap("accounts")
	assert.Nil(t, err)
	assert.Nil(t, m.Put("alice", "100"))
	assert.Nil(t, m.Put("alice", "80"))
	assert.Nil(t, m.Put("bob", "20"))

	// staged writes are readable inside the transaction
	v, ok, err := m.Get("alice")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "80", v, "own staged write must win")

	// but not committed yet
	_, ok, err = g.Read("accounts", "alice")
	assert.NotNil(t, err, "in-flight key should report a lock conflict")
	assert.False(t, ok)

	assert.Nil(t, h.Commit())

	for k, expected := range map[string]string{"alice": "80", "bob": "20"} {
		actual, ok, err := g.Read("accounts", k)
		assert.Nilf(t, err, "no error expected for key %s", k)
		assert.Truef(t, ok, "Value should exist for key %s", k)
		assert.Equalf(t, expected, actual, "Expected %s, but got %s for key %s", expected, actual, k)
	}
}

func TestMemoryGrid_RollbackDiscardsWrites(t *testing.T) {
	g := newTestGrid()

	// seed a committed value
	h := openActive(t, g, OnePhase)
	m, _ := h.GetMap("accounts")
	assert.Nil(t, m.Put("alice", "100"))
	assert.Nil(t, h.Commit())

	h2 := openActive(t, g, TwoPhase)
	m2, _ := h2.GetMap("accounts")
	assert.Nil(t, m2.Put("alice", "0"))
	assert.Nil(t, m2.Put("carol", "55"))
	assert.Nil(t, h2.Rollback())

	v, ok, err := g.Read("accounts", "alice")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "100", v, "rolled back write must not stick")

	_, ok, err = g.Read("accounts", "carol")
	assert.Nil(t, err)
	assert.False(t, ok, "temp key must disappear on rollback")
}

func TestMemoryGrid_ConflictOnLockedKey(t *testing.T) {
	g := newTestGrid()

	h1 := openActive(t, g, TwoPhase)
	m1, _ := h1.GetMap("accounts")
	assert.Nil(t, m1.Put("alice", "1"))

	h2 := openActive(t, g, TwoPhase)
	m2, _ := h2.GetMap("accounts")
	err := m2.Put("alice", "2")
	assert.NotNil(t, err, "second writer must see a conflict")
	assert.Contains(t, err.Error(), "locked on Key=alice")

	assert.Nil(t, h1.Commit())

	// lock released, second transaction can proceed now
	assert.Nil(t, m2.Put("alice", "2"))
	assert.Nil(t, h2.Commit())

	v, _, _ := g.Read("accounts", "alice")
	assert.Equal(t, "2", v)
}

func TestMemoryGrid_ReadUncommitted(t *testing.T) {
	g := newTestGrid()

	h := openActive(t, g, OnePhase)
	m, _ := h.GetMap("accounts")
	assert.Nil(t, m.Put("alice", "100"))
	assert.Nil(t, h.Commit())

	writer := openActive(t, g, TwoPhase)
	wm, _ := writer.GetMap("accounts")
	assert.Nil(t, wm.Put("alice", "50"))

	// read committed waits for the lock and reports the conflict
	rc, err := g.OpenTransaction(TwoPhase, time.Second, common.ReadCommitted)
	assert.Nil(t, err)
	assert.Nil(t, rc.Begin())
	rcm, _ := rc.GetMap("accounts")
	_, _, err = rcm.Get("alice")
	assert.NotNil(t, err)

	// read uncommitted does not wait and sees the pre-commit value
	ru, err := g.OpenTransaction(TwoPhase, time.Second, common.ReadUncommitted)
	assert.Nil(t, err)
	assert.Nil(t, ru.Begin())
	rum, _ := ru.GetMap("accounts")
	v, ok, err := rum.Get("alice")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "100", v)

	assert.Nil(t, writer.Rollback())
}

func TestMemoryGrid_DirtyReadsDuringConcurrentCommits(t *testing.T) {
	g := newTestGrid()

	seed := openActive(t, g, OnePhase)
	m, _ := seed.GetMap("accounts")
	assert.Nil(t, m.Put("alice", "0"))
	assert.Nil(t, seed.Commit())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			w := openActive(t, g, TwoPhase)
			wm, _ := w.GetMap("accounts")
			if err := wm.Put("alice", "1"); err != nil {
				assert.Nil(t, w.Rollback())
				continue
			}
			assert.Nil(t, w.Commit())
		}
	}()

	// dirty readers must never block on the writer and never trip the
	// race detector against its commits
	for i := 0; i < 200; i++ {
		r, err := g.OpenTransaction(TwoPhase, time.Second, common.ReadUncommitted)
		assert.Nil(t, err)
		assert.Nil(t, r.Begin())
		rm, _ := r.GetMap("accounts")
		_, _, err = rm.Get("alice")
		assert.Nil(t, err)
		assert.Nil(t, r.Rollback())
	}
	<-done
}

func TestMemoryGrid_WaiterOnRolledBackTempKeyCommitsDurably(t *testing.T) {
	g := NewMemoryGrid(log.New(), 500*time.Millisecond)

	// stager creates "ghost" as a temp value and holds its lock
	stager := openActive(t, g, TwoPhase)
	sm, _ := stager.GetMap("accounts")
	assert.Nil(t, sm.Put("ghost", "stale"))

	result := make(chan error, 1)
	go func() {
		w := openActive(t, g, TwoPhase)
		wm, _ := w.GetMap("accounts")
		if err := wm.Put("ghost", "durable"); err != nil {
			result <- err
			return
		}
		result <- w.Commit()
	}()

	// rollback while the second writer is parked on the value lock;
	// the orphaned temp entry is deleted from the map
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, stager.Rollback())

	assert.Nil(t, <-result, "waiter must commit cleanly")

	v, ok, err := g.Read("accounts", "ghost")
	assert.Nil(t, err)
	assert.True(t, ok, "waiter's commit must be visible")
	assert.Equal(t, "durable", v)
}

func TestMemoryGrid_HandleStates(t *testing.T) {
	g := newTestGrid()

	h, err := g.OpenTransaction(TwoPhase, time.Second, common.ReadCommitted)
	assert.Nil(t, err)

	// ops before begin are rejected
	_, err = h.GetMap("accounts")
	assert.NotNil(t, err)
	err = h.Commit()
	assert.NotNil(t, err)

	assert.Nil(t, h.Begin())
	assert.NotNil(t, h.Begin(), "double begin must fail")

	assert.Nil(t, h.Commit())
	assert.NotNil(t, h.Commit(), "commit after commit must fail")
	assert.NotNil(t, h.Rollback(), "rollback after commit must fail")

	h2, _ := g.OpenTransaction(TwoPhase, time.Second, common.ReadCommitted)
	assert.Nil(t, h2.Begin())
	assert.Nil(t, h2.Rollback())
	assert.Nil(t, h2.Rollback(), "rollback is idempotent on the handle")
}

func TestMemoryGrid_DeadlineExceeded(t *testing.T) {
	g := newTestGrid()

	h, err := g.OpenTransaction(TwoPhase, 20*time.Millisecond, common.ReadCommitted)
	assert.Nil(t, err)
	assert.Nil(t, h.Begin())
	m, _ := h.GetMap("accounts")
	assert.Nil(t, m.Put("alice", "1"))

	time.Sleep(50 * time.Millisecond)

	err = h.Commit()
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "deadline exceeded")

	// rollback still releases the locks
	assert.Nil(t, h.Rollback())
	_, ok, err := g.Read("accounts", "alice")
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestMemoryGrid_UnknownProtocol(t *testing.T) {
	g := newTestGrid()
	_, err := g.OpenTransaction(Protocol("three-phase"), time.Second, common.ReadCommitted)
	assert.NotNil(t, err)
}

func TestPersistentGrid_Restore(t *testing.T) {
	dir, err := ioutil.TempDir("", "grid-bolt")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "grid.db")

	g, err := NewPersistentGrid(log.New(), 50*time.Millisecond, file, "txn")
	assert.Nil(t, err)

	h := openActive(t, g, TwoPhase)
	m, _ := h.GetMap("accounts")
	assert.Nil(t, m.Put("alice", "42"))
	assert.Nil(t, h.Commit())
	g.Close()

	g2, err := NewPersistentGrid(log.New(), 50*time.Millisecond, file, "txn")
	assert.Nil(t, err)
	defer g2.Close()

	v, ok, err := g2.Read("accounts", "alice")
	assert.Nil(t, err)
	assert.True(t, ok, "committed value must survive reopen")
	assert.Equal(t, "42", v)
}
