package monitor

import (
	"sync"
	"time"

	"github.com/txn-coordinator/common"
)

// Event kinds recorded by the Recorder.
const (
	KindStarted    = "started"
	KindCommitted  = "committed"
	KindRolledBack = "rolled-back"
	KindFailed     = "failed"
	KindTimeout    = "timeout"
)

// Event is one recorded lifecycle event.
type Event struct {
	Kind         string
	TxID         string
	OwnerID      string
	Type         common.TxType
	Participants []string
	Elapsed      time.Duration
	Reason       string
	Err          error
}

// Recorder is an in-memory sink used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) RecordStarted(txid, ownerID string, txType common.TxType, participants []string) {
	r.append(Event{Kind: KindStarted, TxID: txid, OwnerID: ownerID, Type: txType, Participants: participants})
}

func (r *Recorder) RecordCommitted(txid string, elapsed time.Duration) {
	r.append(Event{Kind: KindCommitted, TxID: txid, Elapsed: elapsed})
}

func (r *Recorder) RecordRolledBack(txid string, elapsed time.Duration, reason string) {
	r.append(Event{Kind: KindRolledBack, TxID: txid, Elapsed: elapsed, Reason: reason})
}

func (r *Recorder) RecordFailed(txid string, elapsed time.Duration, err error) {
	r.append(Event{Kind: KindFailed, TxID: txid, Elapsed: elapsed, Err: err})
}

func (r *Recorder) RecordTimeout(txid string, configured, actual time.Duration) {
	r.append(Event{Kind: KindTimeout, TxID: txid, Elapsed: actual, Reason: configured.String()})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// EventsFor returns the events recorded for one transaction id.
func (r *Recorder) EventsFor(txid string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.TxID == txid {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of the given kind were recorded for
// the transaction id.
func (r *Recorder) Count(txid, kind string) int {
	n := 0
	for _, e := range r.EventsFor(txid) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
