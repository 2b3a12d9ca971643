// Package monitor provides the lifecycle event sink the coordinator
// reports to. Sinks are pure consumers, nothing ever reads back from
// them.
package monitor

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/txn-coordinator/common"
)

// Monitor accepts transaction lifecycle events for metrics and audit
// logging.
type Monitor interface {
	RecordStarted(txid, ownerID string, txType common.TxType, participants []string)
	RecordCommitted(txid string, elapsed time.Duration)
	RecordRolledBack(txid string, elapsed time.Duration, reason string)
	RecordFailed(txid string, elapsed time.Duration, err error)
	RecordTimeout(txid string, configured, actual time.Duration)
}

// LogMonitor writes lifecycle events to the log.
type LogMonitor struct {
	log *log.Entry
}

func NewLogMonitor(logger *log.Logger) *LogMonitor {
	return &LogMonitor{log: logger.WithField("component", "monitor")}
}

func (m *LogMonitor) RecordStarted(txid, ownerID string, txType common.TxType, participants []string) {
	m.log.Infof("[txid %s] started owner=%s type=%s participants=%v", txid, ownerID, txType, participants)
}

func (m *LogMonitor) RecordCommitted(txid string, elapsed time.Duration) {
	m.log.Infof("[txid %s] committed in %s", txid, elapsed)
}

func (m *LogMonitor) RecordRolledBack(txid string, elapsed time.Duration, reason string) {
	m.log.Infof("[txid %s] rolled back after %s: %s", txid, elapsed, reason)
}

func (m *LogMonitor) RecordFailed(txid string, elapsed time.Duration, err error) {
	m.log.Warnf("[txid %s] failed after %s: %s", txid, elapsed, err)
}

func (m *LogMonitor) RecordTimeout(txid string, configured, actual time.Duration) {
	m.log.Warnf("[txid %s] timed out, configured %s, finalized after %s", txid, configured, actual)
}

// Multi fans every event out to all sinks.
type Multi []Monitor

func (mm Multi) RecordStarted(txid, ownerID string, txType common.TxType, participants []string) {
	for _, m := range mm {
		m.RecordStarted(txid, ownerID, txType, participants)
	}
}

func (mm Multi) RecordCommitted(txid string, elapsed time.Duration) {
	for _, m := range mm {
		m.RecordCommitted(txid, elapsed)
	}
}

func (mm Multi) RecordRolledBack(txid string, elapsed time.Duration, reason string) {
	for _, m := range mm {
		m.RecordRolledBack(txid, elapsed, reason)
	}
}

func (mm Multi) RecordFailed(txid string, elapsed time.Duration, err error) {
	for _, m := range mm {
		m.RecordFailed(txid, elapsed, err)
	}
}

func (mm Multi) RecordTimeout(txid string, configured, actual time.Duration) {
	for _, m := range mm {
		m.RecordTimeout(txid, configured, actual)
	}
}
