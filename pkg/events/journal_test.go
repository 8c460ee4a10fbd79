package events

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.journal"))
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// TestJournalAppendAndRecent tests the append path and newest-first reads
func TestJournalAppendAndRecent(t *testing.T) {
	j := openTestJournal(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		err := j.Append(&Event{
			ID:        fmt.Sprintf("ev-%d", i),
			Type:      EventTaskEnqueued,
			TaskID:    fmt.Sprintf("t-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		assert.NoError(t, err)
	}

	n, err := j.Len()
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	recent, err := j.Recent(3)
	assert.NoError(t, err)
	if assert.Len(t, recent, 3) {
		assert.Equal(t, "ev-4", recent[0].ID, "newest comes first")
		assert.Equal(t, "ev-3", recent[1].ID)
		assert.Equal(t, "ev-2", recent[2].ID)
	}

	all, err := j.Recent(100)
	assert.NoError(t, err)
	assert.Len(t, all, 5)
}

// TestJournalRoundTripsEventFields tests that a journaled event survives
// with its payload intact
func TestJournalRoundTripsEventFields(t *testing.T) {
	j := openTestJournal(t)

	in := &Event{
		ID:        "ev-1",
		Type:      EventTaskFailed,
		Timestamp: time.Now(),
		TaskID:    "t-1",
		WorkerID:  "w-1",
		Error:     "executor crashed",
		Metadata:  map[string]string{"reason": "load_balance"},
	}
	assert.NoError(t, j.Append(in))

	recent, err := j.Recent(1)
	assert.NoError(t, err)
	if assert.Len(t, recent, 1) {
		got := recent[0]
		assert.Equal(t, in.Type, got.Type)
		assert.Equal(t, in.TaskID, got.TaskID)
		assert.Equal(t, in.WorkerID, got.WorkerID)
		assert.Equal(t, in.Error, got.Error)
		assert.Equal(t, in.Metadata, got.Metadata)
	}
}

// TestJournalPruneBefore tests retention: old entries go, the rest stay in
// order
func TestJournalPruneBefore(t *testing.T) {
	j := openTestJournal(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		err := j.Append(&Event{
			ID:        fmt.Sprintf("ev-%d", i),
			Type:      EventTaskEnqueued,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		assert.NoError(t, err)
	}

	removed, err := j.PruneBefore(base.Add(5 * time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, 5, removed)

	n, err := j.Len()
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	recent, err := j.Recent(100)
	assert.NoError(t, err)
	if assert.Len(t, recent, 5) {
		assert.Equal(t, "ev-9", recent[0].ID)
		assert.Equal(t, "ev-5", recent[4].ID, "the oldest survivor sits at the cutoff")
	}

	// Pruning again at the same cutoff removes nothing
	removed, err = j.PruneBefore(base.Add(5 * time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, 0, removed)
}

// TestBrokerJournalsPublishedEvents tests the broker-journal wiring
func TestBrokerJournalsPublishedEvents(t *testing.T) {
	j := openTestJournal(t)
	b := newTestBroker(t)
	b.AttachJournal(j)

	now := time.Now()
	b.Publish(&Event{Type: EventTaskCompleted, TaskID: "t-1", Timestamp: now})
	b.Publish(&Event{Type: EventTaskFailed, TaskID: "t-2", Timestamp: now.Add(time.Second)})

	n, err := j.Len()
	assert.NoError(t, err)
	assert.Equal(t, 2, n, "publish appends synchronously")

	recent, err := j.Recent(1)
	assert.NoError(t, err)
	if assert.Len(t, recent, 1) {
		assert.Equal(t, "t-2", recent[0].TaskID)
	}
}
