// Package store provides the transactional key-value grid the
// coordinator finalizes against. The grid owns per-key locks and the
// commit protocol; the coordinator only opens handles and asks them
// to begin, commit or roll back.
package store

import (
	"time"

	"github.com/txn-coordinator/common"
)

// Protocol is the commit protocol requested when opening a
// transaction handle.
type Protocol string

const (
	// OnePhase applies staged writes directly at commit.
	OnePhase Protocol = "one-phase"
	// TwoPhase validates every held lock in a prepare pass before
	// applying.
	TwoPhase Protocol = "two-phase"
)

// Grid opens transaction handles. Isolation is selected by the
// caller and enforced here, not by the coordinator.
type Grid interface {
	OpenTransaction(protocol Protocol, timeout time.Duration, isolation common.Isolation) (Handle, error)
}

// Handle is an open transaction context. At most one of Commit or
// Rollback ever finalizes it.
type Handle interface {
	Begin() error
	Commit() error
	Rollback() error

	// GetMap returns a transactional view of the named map. Reads
	// and writes through it are scoped to this handle.
	GetMap(name string) (TxMap, error)
}

// TxMap is a transactional string-keyed map view.
type TxMap interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
}
