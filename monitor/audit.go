package monitor

import (
	"encoding/csv"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/txn-coordinator/common"
)

// CSVAuditor appends one row per lifecycle event to a CSV file, for
// offline audit of transaction history.
type CSVAuditor struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	log    *log.Entry
}

func NewCSVAuditor(logger *log.Logger, path string) (*CSVAuditor, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &CSVAuditor{
		file:   file,
		writer: csv.NewWriter(file),
		log:    logger.WithField("component", "audit"),
	}, nil
}

func (a *CSVAuditor) record(row []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]string{time.Now().Format(time.RFC3339Nano)}, row...)
	if err := a.writer.Write(out); err != nil {
		a.log.Warnf("Cannot write audit row: %s", err)
		return
	}
	a.writer.Flush()
}

func (a *CSVAuditor) RecordStarted(txid, ownerID string, txType common.TxType, participants []string) {
	row := []string{KindStarted, txid, ownerID, string(txType)}
	a.record(append(row, participants...))
}

func (a *CSVAuditor) RecordCommitted(txid string, elapsed time.Duration) {
	a.record([]string{KindCommitted, txid, elapsed.String()})
}

func (a *CSVAuditor) RecordRolledBack(txid string, elapsed time.Duration, reason string) {
	a.record([]string{KindRolledBack, txid, elapsed.String(), reason})
}

func (a *CSVAuditor) RecordFailed(txid string, elapsed time.Duration, err error) {
	a.record([]string{KindFailed, txid, elapsed.String(), err.Error()})
}

func (a *CSVAuditor) RecordTimeout(txid string, configured, actual time.Duration) {
	a.record([]string{KindTimeout, txid, actual.String(), configured.String()})
}

// Close flushes and closes the underlying file.
func (a *CSVAuditor) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writer.Flush()
	if err := a.file.Close(); err != nil {
		a.log.Warnf("Cannot close audit file: %s", err)
	}
}
