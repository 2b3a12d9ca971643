// Package delegate is the boundary between the surrounding process
// engine and the transaction coordinator. Each unit of business logic
// runs as begin -> task -> commit, with the task reporting its outcome
// through an explicit verdict rather than an error subtype.
package delegate

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/txn-coordinator/common"
	"github.com/txn-coordinator/coordinator"
	"github.com/txn-coordinator/store"
)

// Execution carries the string-keyed variables of the calling
// process instance.
type Execution interface {
	ProcessID() string
	Variable(name string) (string, bool)
	SetVariable(name, value string)
}

// MapExecution is a plain in-memory Execution for the demo binary
// and tests.
type MapExecution struct {
	id   string
	mu   sync.Mutex
	vars map[string]string
}

func NewMapExecution(id string) *MapExecution {
	return &MapExecution{
		id:   id,
		vars: make(map[string]string),
	}
}

func (e *MapExecution) ProcessID() string {
	return e.id
}

func (e *MapExecution) Variable(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vars[name]
	return v, ok
}

func (e *MapExecution) SetVariable(name, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[name] = value
}

// Fault is a recognized business failure: a workflow-visible outcome
// the surrounding process branches on, not a consistency violation.
type Fault struct {
	Code   int
	Reason string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("business fault %d: %s", f.Code, f.Reason)
}

// Verdict is the explicit two-case outcome of a task: a recognized
// business fault, a technical failure, or neither. The commit versus
// rollback branch is driven by this tag, never by inspecting error
// types.
type Verdict struct {
	fault *Fault
	err   error
}

// OK reports normal completion.
func OK() Verdict {
	return Verdict{}
}

// Business reports a recognized business fault.
func Business(f *Fault) Verdict {
	return Verdict{fault: f}
}

// Technical reports an unexpected or infrastructure-level failure.
func Technical(err error) Verdict {
	return Verdict{err: err}
}

// Task is one unit of business logic running inside an active
// transaction.
type Task func(tx store.Handle, exec Execution) Verdict

// Runner executes tasks transactionally.
type Runner struct {
	coord *coordinator.Coordinator
	opts  common.Options
	log   *log.Entry
}

func NewRunner(logger *log.Logger, coord *coordinator.Coordinator, opts common.Options) *Runner {
	return &Runner{
		coord: coord,
		opts:  opts,
		log:   logger.WithField("component", "delegate"),
	}
}

// Run wraps one task in a transaction.
//
// A technical failure rolls the transaction back and is re-surfaced.
// A business fault COMMITS the transaction and is then re-surfaced:
// writes performed before the fault stay durable even though the
// delegate failed. That asymmetry is carried over from the system
// this replaces; see DESIGN.md before relying on it.
func (r *Runner) Run(exec Execution, participants []string, task Task) error {
	record, err := r.coord.Begin(exec.ProcessID(), participants, r.opts)
	if err != nil {
		return err
	}

	handle, ok := r.coord.Handle(record.TxID)
	if !ok {
		return fmt.Errorf("transaction %s finalized before task ran", record.TxID)
	}

	v := task(handle, exec)

	if v.err != nil {
		r.coord.Rollback(record.TxID)
		return v.err
	}

	res := r.coord.Commit(record.TxID)
	if v.fault != nil {
		if res.Status != common.Success {
			r.log.Warnf("[txid %s] Commit after business fault failed: %s", record.TxID, res.Message)
		}
		return v.fault
	}
	if res.Status != common.Success {
		return fmt.Errorf("commit failed: %s", res.Message)
	}
	return nil
}
