package common

import (
	"fmt"
	"time"
)

// TxType selects the commit protocol requested from the grid.
// TwoPhase and Distributed are synonyms: both request a two-phase
// commit. Only OnePhase maps to a single-phase commit.
type TxType string

const (
	TypeLocal       TxType = "LOCAL"
	TypeDistributed TxType = "DISTRIBUTED"
	TypeTwoPhase    TxType = "TWO_PHASE"
	TypeOnePhase    TxType = "ONE_PHASE"
)

// Isolation is passed through to the grid. The coordinator selects
// it, the grid enforces it.
type Isolation string

const (
	ReadUncommitted Isolation = "READ_UNCOMMITTED"
	ReadCommitted   Isolation = "READ_COMMITTED"
	RepeatableRead  Isolation = "REPEATABLE_READ"
	Serializable    Isolation = "SERIALIZABLE"
)

// Status of a registered transaction.
type Status string

const (
	InProgress Status = "IN_PROGRESS"
)

// Outcome is the terminal classification of a transaction. Exactly
// one outcome is ever recorded per transaction id.
type Outcome string

const (
	Success  Outcome = "SUCCESS"
	Rollback Outcome = "ROLLBACK"
	Failed   Outcome = "FAILED"
	Timeout  Outcome = "TIMEOUT"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultType       = TypeTwoPhase
	DefaultIsolation  = ReadCommitted
	DefaultRetryCount = 3
)

// Options carries the abstract transaction options supplied by the
// caller at begin time.
type Options struct {
	Type       TxType
	Timeout    time.Duration
	Isolation  Isolation
	RetryCount int
	EnableXA   bool
}

// Repair fills zero-valued options with the documented defaults.
func (o *Options) Repair() {
	if o.Type == "" {
		o.Type = DefaultType
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Isolation == "" {
		o.Isolation = DefaultIsolation
	}
	if o.RetryCount <= 0 {
		o.RetryCount = DefaultRetryCount
	}
}

// TransactionRecord describes one in-flight transaction. The grid
// handle is deliberately not part of the record, it lives in the
// coordinator's side table.
type TransactionRecord struct {
	TxID         string
	OwnerID      string
	Type         TxType
	Participants []string
	Timeout      time.Duration
	Isolation    Isolation
	StartedAt    time.Time
}

// TransactionResult is returned from commit/rollback. Commit and
// rollback never raise to the caller, the status carries the outcome.
type TransactionResult struct {
	TxID         string
	Status       Outcome
	Message      string
	Participants []string
	Elapsed      time.Duration
}

// TransactionError wraps a grid failure during begin. Begin is the
// only coordinator operation that surfaces an error, the caller
// cannot proceed without a handle.
type TransactionError struct {
	TxID string
	Op   string
	Err  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %s: %s", e.TxID, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
