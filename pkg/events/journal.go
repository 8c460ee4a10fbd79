package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Journal is the durable append-only event record. Keys sort by emission
// time, so replay walks in order and Recent walks backwards from the tail.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens or creates the event journal at path
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the journal
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one event
func (j *Journal) Append(event *Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		key := fmt.Sprintf("%020d_%s", event.Timestamp.UnixNano(), event.ID)
		return b.Put([]byte(key), data)
	})
}

// Recent returns up to limit events, newest first
func (j *Journal) Recent(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var recent []*Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(recent) < limit; k, v = c.Prev() {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			recent = append(recent, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recent, nil
}

// Len returns the number of journaled events
func (j *Journal) Len() (int, error) {
	count := 0
	err := j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return count, err
}

// PruneBefore deletes every event recorded before cutoff and reports how
// many were removed. Keys sort by timestamp, so deletion always walks from
// the front.
func (j *Journal) PruneBefore(cutoff time.Time) (int, error) {
	boundary := []byte(fmt.Sprintf("%020d", cutoff.UnixNano()))
	removed := 0

	err := j.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, boundary) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to prune journal: %w", err)
	}
	return removed, nil
}
