// Package coordinator owns the lifecycle of distributed transactions
// against the transactional grid: begin, commit, rollback and the
// forced rollback on timeout. It holds no business state of its own,
// only the registry of in-flight transactions and their grid handles.
package coordinator

import (
	"time"

	"github.com/jinzhu/copier"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/txn-coordinator/common"
	"github.com/txn-coordinator/monitor"
	"github.com/txn-coordinator/store"
)

// Coordinator maps abstract transaction options onto grid-native
// ones, finalizes handles and reports every lifecycle event to the
// monitor sink. Safe for concurrent use by one worker per process
// instance.
type Coordinator struct {
	registry *common.Registry // txid -> *common.TransactionRecord
	handles  *common.Registry // txid -> store.Handle
	grid     store.Grid
	monitor  monitor.Monitor
	sched    *timeoutScheduler
	log      *log.Entry
}

// New wires a coordinator. The registry is injected so tests and
// callers own its lifetime; the handle side table is private.
func New(logger *log.Logger, registry *common.Registry, grid store.Grid, mon monitor.Monitor) *Coordinator {
	return &Coordinator{
		registry: registry,
		handles:  common.NewRegistry(logger, 10*time.Second),
		grid:     grid,
		monitor:  mon,
		sched:    newTimeoutScheduler(),
		log:      logger.WithField("component", "coordinator"),
	}
}

// Begin opens a grid transaction for ownerID, registers it and arms
// its timeout. On any grid failure nothing stays registered and the
// error is surfaced as a TransactionError: without a handle the
// caller cannot proceed.
func (c *Coordinator) Begin(ownerID string, participants []string, opts common.Options) (*common.TransactionRecord, error) {
	opts.Repair()
	txid := xid.New().String()

	protocol := store.TwoPhase
	if opts.Type == common.TypeOnePhase {
		protocol = store.OnePhase
	}

	c.log.Infof("[txid %s] Begin owner=%s type=%s protocol=%s", txid, ownerID, opts.Type, protocol)

	handle, err := c.grid.OpenTransaction(protocol, opts.Timeout, opts.Isolation)
	if err != nil {
		c.monitor.RecordFailed(txid, 0, err)
		return nil, &common.TransactionError{TxID: txid, Op: "open", Err: err}
	}
	if err := handle.Begin(); err != nil {
		c.monitor.RecordFailed(txid, 0, err)
		return nil, &common.TransactionError{TxID: txid, Op: "begin", Err: err}
	}

	record := &common.TransactionRecord{
		TxID:         txid,
		OwnerID:      ownerID,
		Type:         opts.Type,
		Participants: participants,
		Timeout:      opts.Timeout,
		Isolation:    opts.Isolation,
		StartedAt:    time.Now(),
	}

	if err := c.registry.Put(txid, record); err != nil {
		c.abandon(handle)
		c.monitor.RecordFailed(txid, 0, err)
		return nil, &common.TransactionError{TxID: txid, Op: "register", Err: err}
	}
	if err := c.handles.Put(txid, handle); err != nil {
		c.registry.Remove(txid)
		c.abandon(handle)
		c.monitor.RecordFailed(txid, 0, err)
		return nil, &common.TransactionError{TxID: txid, Op: "register", Err: err}
	}

	c.sched.arm(txid, opts.Timeout, func() {
		c.finalizeRollback(txid, "timeout", true)
	})

	c.monitor.RecordStarted(txid, ownerID, opts.Type, participants)
	return record, nil
}

// abandon releases a handle that never made it into the registry.
func (c *Coordinator) abandon(handle store.Handle) {
	if err := handle.Rollback(); err != nil {
		c.log.Warnf("Unable to release unregistered handle: %s", err)
	}
}

// Commit finalizes the transaction. It never raises: the result
// status carries success or failure, so a delegate already inside
// error handling can branch on it. Whatever the grid does, the id is
// gone from the registry when Commit returns.
func (c *Coordinator) Commit(txid string) common.TransactionResult {
	record, won := c.claim(txid)
	if !won {
		return common.TransactionResult{
			TxID:    txid,
			Status:  common.Failed,
			Message: "Transaction not found",
		}
	}
	handle := record.handle

	if err := handle.Commit(); err != nil {
		// best effort release, the grid commit already failed
		if rerr := handle.Rollback(); rerr != nil {
			c.log.Warnf("[txid %s] Rollback after failed commit also failed: %s", txid, rerr)
		}
		elapsed := time.Since(record.rec.StartedAt)
		c.monitor.RecordFailed(txid, elapsed, err)
		c.log.Warnf("[txid %s] Commit failed: %s", txid, err)
		return common.TransactionResult{
			TxID:         txid,
			Status:       common.Failed,
			Message:      err.Error(),
			Participants: record.rec.Participants,
			Elapsed:      elapsed,
		}
	}

	elapsed := time.Since(record.rec.StartedAt)
	c.monitor.RecordCommitted(txid, elapsed)
	c.log.Infof("[txid %s] Committed in %s", txid, elapsed)
	return common.TransactionResult{
		TxID:         txid,
		Status:       common.Success,
		Message:      "committed",
		Participants: record.rec.Participants,
		Elapsed:      elapsed,
	}
}

// Rollback releases the transaction's grid resources. It reports
// ROLLBACK even when the grid call errors: rollback exists to release
// resources, not to validate business state. Rolling back an unknown
// or already finalized id is a no-op success.
func (c *Coordinator) Rollback(txid string) common.TransactionResult {
	return c.finalizeRollback(txid, "requested", false)
}

func (c *Coordinator) finalizeRollback(txid, reason string, timedOut bool) common.TransactionResult {
	record, won := c.claim(txid)
	if !won {
		// raced with commit or another rollback, nothing left to do
		return common.TransactionResult{
			TxID:    txid,
			Status:  common.Rollback,
			Message: "already finalized",
		}
	}

	if err := record.handle.Rollback(); err != nil {
		c.log.Warnf("[txid %s] Grid rollback failed: %s", txid, err)
	}

	elapsed := time.Since(record.rec.StartedAt)
	if timedOut {
		c.monitor.RecordTimeout(txid, record.rec.Timeout, elapsed)
		c.log.Warnf("[txid %s] Rolled back on timeout after %s", txid, elapsed)
	} else {
		c.monitor.RecordRolledBack(txid, elapsed, reason)
		c.log.Infof("[txid %s] Rolled back after %s: %s", txid, elapsed, reason)
	}
	return common.TransactionResult{
		TxID:         txid,
		Status:       common.Rollback,
		Message:      reason,
		Participants: record.rec.Participants,
		Elapsed:      elapsed,
	}
}

type claimed struct {
	rec    *common.TransactionRecord
	handle store.Handle
}

// claim atomically removes the registry entries for txid. Exactly one
// caller wins; racing finalizers (explicit commit/rollback against
// the timeout callback) see won=false and back off.
func (c *Coordinator) claim(txid string) (*claimed, bool) {
	recV, won := c.registry.Remove(txid)
	if !won {
		return nil, false
	}
	handleV, ok := c.handles.Remove(txid)
	c.sched.disarm(txid)
	if !ok {
		// registry and side table are only ever written together
		c.log.Errorf("[txid %s] Registered transaction without handle", txid)
		return nil, false
	}
	return &claimed{
		rec:    recV.(*common.TransactionRecord),
		handle: handleV.(store.Handle),
	}, true
}

// GetStatus reports IN_PROGRESS while txid is registered. A false
// second value means no such transaction, which the caller cannot
// distinguish from already finalized.
func (c *Coordinator) GetStatus(txid string) (common.Status, bool) {
	_, ok, err := c.registry.Get(txid)
	if err != nil || !ok {
		return "", false
	}
	return common.InProgress, true
}

// Lookup returns a copy of the record for an in-flight transaction.
func (c *Coordinator) Lookup(txid string) (*common.TransactionRecord, bool) {
	v, ok, err := c.registry.Get(txid)
	if err != nil || !ok {
		return nil, false
	}
	record := &common.TransactionRecord{}
	copier.Copy(record, v.(*common.TransactionRecord))
	record.Participants = append([]string(nil), record.Participants...)
	return record, true
}

// Handle returns the grid handle of an in-flight transaction, for
// delegates performing transactional reads and writes.
func (c *Coordinator) Handle(txid string) (store.Handle, bool) {
	v, ok, err := c.handles.Get(txid)
	if err != nil || !ok {
		return nil, false
	}
	return v.(store.Handle), true
}
