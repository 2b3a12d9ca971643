package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"github.com/subchen/go-trylock/v2"

	"github.com/txn-coordinator/common"
)

type gridValue struct {
	k    string // For debug purpose
	v    string
	mu   trylock.TryLocker
	temp bool
	txid string

	// vmu guards v and temp for readers that deliberately skip the
	// value lock (dirty reads). Writers hold it only for the
	// assignment itself.
	vmu sync.Mutex
}

// load snapshots the value fields without waiting on the value lock.
func (val *gridValue) load() (string, bool) {
	val.vmu.Lock()
	defer val.vmu.Unlock()
	return val.v, val.temp
}

// storeCommitted publishes a committed value.
func (val *gridValue) storeCommitted(v string) {
	val.vmu.Lock()
	val.v = v
	val.temp = false
	val.vmu.Unlock()
}

func newGridValue(k, v string) *gridValue {
	return &gridValue{
		k:  k,
		v:  v,
		mu: trylock.New(),
	}
}

// tempGridValue stages a value for a key that does not exist yet.
// Temp values are deleted again if the owning transaction aborts.
func tempGridValue(k string) *gridValue {
	return &gridValue{
		k:    k,
		mu:   trylock.New(),
		temp: true,
	}
}

type gridMap struct {
	name string
	mu   trylock.TryLocker
	kv   map[string]*gridValue
}

// MemoryGrid is an in-memory transactional grid of named maps with
// per-key try-locks. Writes inside a transaction are staged and only
// become visible to other transactions at commit. Committed state can
// optionally be persisted to a bolt file.
type MemoryGrid struct {
	mu      trylock.TryLocker
	maps    map[string]*gridMap
	timeout time.Duration
	log     *log.Entry
	db      *persistDB
}

// NewMemoryGrid returns an empty grid. lockTimeout bounds how long a
// transaction waits for a contended key before reporting a conflict.
func NewMemoryGrid(logger *log.Logger, lockTimeout time.Duration) *MemoryGrid {
	return &MemoryGrid{
		mu:      trylock.New(),
		maps:    make(map[string]*gridMap),
		timeout: lockTimeout,
		log:     logger.WithField("component", "grid"),
	}
}

// NewPersistentGrid returns a grid whose committed state is backed by
// a bolt file. Previously committed entries are restored on open.
func NewPersistentGrid(logger *log.Logger, lockTimeout time.Duration, file, bucket string) (*MemoryGrid, error) {
	g := NewMemoryGrid(logger, lockTimeout)
	db, err := newPersistDB(file, bucket, g.log)
	if err != nil {
		return nil, err
	}
	kv, err := db.restore()
	if err != nil {
		db.close()
		return nil, err
	}
	for fqk, v := range kv {
		parts := strings.SplitN(fqk, "/", 2)
		if len(parts) != 2 {
			g.log.Warnf("Skipping malformed persisted key %s", fqk)
			continue
		}
		m, _ := g.mapByName(parts[0])
		m.kv[parts[1]] = newGridValue(parts[1], v)
	}
	g.db = db
	return g, nil
}

// Close releases the persistence backend, if any.
func (g *MemoryGrid) Close() {
	if g.db != nil {
		g.db.close()
	}
}

func (g *MemoryGrid) mapByName(name string) (*gridMap, error) {
	if global := g.mu.TryLockTimeout(g.timeout); !global {
		return nil, errors.New("grid is locked globally")
	}
	defer g.mu.Unlock()
	m, ok := g.maps[name]
	if !ok {
		m = &gridMap{
			name: name,
			mu:   trylock.New(),
			kv:   make(map[string]*gridValue),
		}
		g.maps[name] = m
	}
	return m, nil
}

// Read returns the committed value for a key, outside any
// transaction. In-flight staged writes are never observed.
func (g *MemoryGrid) Read(mapName, key string) (string, bool, error) {
	m, err := g.mapByName(mapName)
	if err != nil {
		return "", false, err
	}
	if global := m.mu.RTryLockTimeout(g.timeout); !global {
		return "", false, fmt.Errorf("map %s is locked globally", m.name)
	}
	val, ok := m.kv[key]
	if !ok {
		m.mu.RUnlock()
		return "", false, nil
	}
	m.mu.RUnlock()
	if local := val.mu.RTryLockTimeout(g.timeout); !local {
		return "", false, fmt.Errorf("map is locked on Key=%s", key)
	}
	defer val.mu.RUnlock()
	if val.temp {
		return "", false, nil
	}
	return val.v, true, nil
}

// OpenTransaction opens an unstarted handle for the requested commit
// protocol.
func (g *MemoryGrid) OpenTransaction(protocol Protocol, timeout time.Duration, isolation common.Isolation) (Handle, error) {
	switch protocol {
	case OnePhase, TwoPhase:
	default:
		return nil, fmt.Errorf("unknown commit protocol: %s", protocol)
	}
	if isolation == "" {
		isolation = common.ReadCommitted
	}
	return &memoryTx{
		id:        xid.New().String(),
		grid:      g,
		protocol:  protocol,
		timeout:   timeout,
		isolation: isolation,
		locked:    make(map[string]*lockedEntry),
	}, nil
}

type txState int

const (
	txCreated txState = iota
	txActive
	txCommitted
	txRolledBack
)

type writeOp struct {
	mapName string
	key     string
	value   string
}

type lockedEntry struct {
	m   *gridMap
	val *gridValue
}

// memoryTx is an open transaction handle. It holds the locks of every
// key it wrote until it is finalized.
type memoryTx struct {
	id        string
	grid      *MemoryGrid
	protocol  Protocol
	timeout   time.Duration
	isolation common.Isolation

	mu       sync.Mutex
	state    txState
	deadline time.Time
	writes   []writeOp
	locked   map[string]*lockedEntry
}

func (h *memoryTx) Begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != txCreated {
		return errors.New("transaction already begun")
	}
	h.state = txActive
	if h.timeout > 0 {
		h.deadline = time.Now().Add(h.timeout)
	}
	return nil
}

func (h *memoryTx) GetMap(name string) (TxMap, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != txActive {
		return nil, errors.New("transaction not active")
	}
	if _, err := h.grid.mapByName(name); err != nil {
		return nil, err
	}
	return &txMapView{tx: h, name: name}, nil
}

func (h *memoryTx) expired() bool {
	return !h.deadline.IsZero() && time.Now().After(h.deadline)
}

func (h *memoryTx) put(mapName, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != txActive {
		return errors.New("transaction not active")
	}
	if h.expired() {
		return errors.New("transaction deadline exceeded")
	}
	qk := mapName + "/" + key
	if _, held := h.locked[qk]; !held {
		m, err := h.grid.mapByName(mapName)
		if err != nil {
			return err
		}
		if err := h.lockKey(m, key, qk); err != nil {
			return err
		}
	}
	h.writes = append(h.writes, writeOp{mapName: mapName, key: key, value: value})
	return nil
}

func (h *memoryTx) lockKey(m *gridMap, key, qk string) error {
	for {
		if global := m.mu.TryLockTimeout(h.grid.timeout); !global {
			return fmt.Errorf("map %s is locked globally", m.name)
		}
		val, ok := m.kv[key]
		if !ok {
			// New key: stage a temp value under the map lock. The
			// fresh lock cannot be contended.
			val = tempGridValue(key)
			val.mu.TryLockTimeout(h.grid.timeout)
			val.txid = h.id
			m.kv[key] = val
			m.mu.Unlock()
			h.locked[qk] = &lockedEntry{m: m, val: val}
			h.grid.log.Debugf("LOCKED new key %s in %s", key, h.id)
			return nil
		}
		m.mu.Unlock()
		if local := val.mu.TryLockTimeout(h.grid.timeout); !local {
			return fmt.Errorf("map is locked on Key=%s", key)
		}
		// While we were blocked the staging owner may have rolled
		// back and deleted this temp entry from the map. Locking an
		// orphaned value would make our commit invisible, so verify
		// we hold the live entry and re-stage otherwise.
		if global := m.mu.RTryLockTimeout(h.grid.timeout); !global {
			val.mu.Unlock()
			return fmt.Errorf("map %s is locked globally", m.name)
		}
		live := m.kv[key] == val
		m.mu.RUnlock()
		if !live {
			val.mu.Unlock()
			continue
		}
		val.txid = h.id
		h.locked[qk] = &lockedEntry{m: m, val: val}
		h.grid.log.Debugf("LOCKED key %s in %s", key, h.id)
		return nil
	}
}

func (h *memoryTx) get(mapName, key string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != txActive {
		return "", false, errors.New("transaction not active")
	}
	qk := mapName + "/" + key
	if entry, held := h.locked[qk]; held {
		// Own staged write wins over the committed value.
		for i := len(h.writes) - 1; i >= 0; i-- {
			w := h.writes[i]
			if w.mapName == mapName && w.key == key {
				return w.value, true, nil
			}
		}
		if entry.val.temp {
			return "", false, nil
		}
		return entry.val.v, true, nil
	}
	m, err := h.grid.mapByName(mapName)
	if err != nil {
		return "", false, err
	}
	if global := m.mu.RTryLockTimeout(h.grid.timeout); !global {
		return "", false, fmt.Errorf("map %s is locked globally", m.name)
	}
	val, ok := m.kv[key]
	if !ok {
		m.mu.RUnlock()
		return "", false, nil
	}
	m.mu.RUnlock()
	if h.isolation == common.ReadUncommitted {
		// Dirty read: do not wait for a writer's lock.
		v, temp := val.load()
		return v, !temp, nil
	}
	if local := val.mu.RTryLockTimeout(h.grid.timeout); !local {
		return "", false, fmt.Errorf("map is locked on Key=%s", key)
	}
	defer val.mu.RUnlock()
	if val.temp {
		return "", false, nil
	}
	return val.v, true, nil
}

func (h *memoryTx) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case txCommitted, txRolledBack:
		return errors.New("transaction already finalized")
	case txCreated:
		return errors.New("transaction not begun")
	}
	if h.expired() {
		return errors.New("transaction deadline exceeded")
	}
	if h.protocol == TwoPhase {
		if err := h.prepare(); err != nil {
			return err
		}
	}
	h.apply()
	h.state = txCommitted
	if h.grid.db != nil {
		h.persist()
	}
	return nil
}

// prepare is the vote pass of the two-phase protocol: every lock this
// transaction acquired must still be owned by it.
func (h *memoryTx) prepare() error {
	for qk, entry := range h.locked {
		if entry.val.txid != h.id {
			return fmt.Errorf("prepare failed for %s: lock owned by %s", qk, entry.val.txid)
		}
	}
	return nil
}

func (h *memoryTx) apply() {
	for _, w := range h.writes {
		entry := h.locked[w.mapName+"/"+w.key]
		// clears the temp flag for committed keys
		entry.val.storeCommitted(w.value)
	}
	h.releaseLocks()
}

func (h *memoryTx) releaseLocks() {
	for _, entry := range h.locked {
		entry.val.txid = ""
		entry.val.mu.Unlock()
	}
	h.locked = make(map[string]*lockedEntry)
}

func (h *memoryTx) persist() {
	final := make(map[string]string)
	for _, w := range h.writes {
		final[w.mapName+"/"+w.key] = w.value
	}
	h.grid.db.save(final)
}

func (h *memoryTx) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case txCommitted:
		return errors.New("transaction already committed")
	case txRolledBack:
		return nil
	}
	for _, entry := range h.locked {
		if entry.val.temp {
			// keys staged by this transaction disappear again
			entry.m.mu.Lock()
			delete(entry.m.kv, entry.val.k)
			entry.m.mu.Unlock()
		}
		entry.val.txid = ""
		entry.val.mu.Unlock()
	}
	h.locked = make(map[string]*lockedEntry)
	h.writes = nil
	h.state = txRolledBack
	return nil
}

type txMapView struct {
	tx   *memoryTx
	name string
}

func (v *txMapView) Get(key string) (string, bool, error) {
	return v.tx.get(v.name, key)
}

func (v *txMapView) Put(key, value string) error {
	return v.tx.put(v.name, key, value)
}
