package monitor

import (
	"encoding/csv"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/txn-coordinator/common"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	r.RecordStarted("tx-1", "proc-1", common.TypeTwoPhase, []string{"taskA"})
	r.RecordCommitted("tx-1", 5*time.Millisecond)
	r.RecordStarted("tx-2", "proc-1", common.TypeTwoPhase, nil)
	r.RecordTimeout("tx-2", 100*time.Millisecond, 130*time.Millisecond)

	assert.Equal(t, 4, len(r.Events()))
	assert.Equal(t, 2, len(r.EventsFor("tx-1")))
	assert.Equal(t, 1, r.Count("tx-1", KindCommitted))
	assert.Equal(t, 0, r.Count("tx-1", KindRolledBack))
	assert.Equal(t, 1, r.Count("tx-2", KindTimeout))
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	mm := Multi{a, b}

	mm.RecordStarted("tx-1", "proc-1", common.TypeOnePhase, nil)
	mm.RecordFailed("tx-1", time.Millisecond, errors.New("conflict"))

	for _, r := range []*Recorder{a, b} {
		assert.Equal(t, 2, len(r.EventsFor("tx-1")))
		assert.Equal(t, 1, r.Count("tx-1", KindFailed))
	}
}

func TestCSVAuditor(t *testing.T) {
	dir, err := ioutil.TempDir("", "audit")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "audit.csv")

	a, err := NewCSVAuditor(log.New(), path)
	assert.Nil(t, err)

	a.RecordStarted("tx-1", "proc-1", common.TypeTwoPhase, []string{"taskA", "taskB"})
	a.RecordRolledBack("tx-1", 7*time.Millisecond, "requested")
	a.Close()

	file, err := os.Open(path)
	assert.Nil(t, err)
	defer file.Close()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	assert.Nil(t, err)

	assert.Equal(t, 2, len(rows))
	assert.Equal(t, KindStarted, rows[0][1])
	assert.Equal(t, "tx-1", rows[0][2])
	assert.Equal(t, "proc-1", rows[0][3])
	assert.Equal(t, KindRolledBack, rows[1][1])
	assert.Equal(t, "requested", rows[1][4])
}
