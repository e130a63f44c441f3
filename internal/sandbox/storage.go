package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSandbox = []byte("sandbox")

// Message is an outbound step captured instead of delivered
type Message struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	OwnerID      string    `json:"userId"`
	SequenceID   string    `json:"sequenceId"`
	EnrollmentID string    `json:"enrollmentId"`
	StepNumber   int       `json:"stepNumber"`
	To           string    `json:"to"`
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body,omitempty"`
	CTAURL       string    `json:"ctaUrl,omitempty"`
	Script       string    `json:"script,omitempty"`
	AssistantID  string    `json:"assistantId,omitempty"`
	CapturedAt   time.Time `json:"capturedAt"`
	SimulatedErr string    `json:"simulatedError,omitempty"`
}

// Storage keeps captured messages in BoltDB ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates the sandbox bucket in db
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Save stores a captured message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// Get returns a captured message by id, or nil
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var found *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				found = &m
				return nil
			}
		}
		return nil
	})
	return found, err
}

// ListFilter narrows List
type ListFilter struct {
	OwnerID    string
	SequenceID string
	Channel    string
	Limit      int
	Offset     int
}

// List returns captured messages, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]Message, error) {
	messages := []Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.OwnerID != "" && msg.OwnerID != filter.OwnerID {
				continue
			}
			if filter.SequenceID != "" && msg.SequenceID != filter.SequenceID {
				continue
			}
			if filter.Channel != "" && msg.Channel != filter.Channel {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return messages, err
}

// Clear removes messages captured before now-olderThan. Zero removes all.
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := makeIndexKey(time.Now().Add(-olderThan), "")
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSandbox)
		c := b.Cursor()

		var keys [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if olderThan > 0 && string(k) >= string(cutoff) {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Stats summarises the captured messages
type Stats struct {
	Total     int            `json:"total"`
	ByChannel map[string]int `json:"byChannel"`
	OldestAt  *time.Time     `json:"oldestAt,omitempty"`
	NewestAt  *time.Time     `json:"newestAt,omitempty"`
}

// Stats counts captured messages per channel
func (s *Storage) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	stats := &Stats{ByChannel: make(map[string]int)}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).ForEach(func(_, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if ownerID != "" && msg.OwnerID != ownerID {
				return nil
			}
			stats.Total++
			stats.ByChannel[msg.Channel]++

			at := msg.CapturedAt
			if stats.OldestAt == nil || at.Before(*stats.OldestAt) {
				stats.OldestAt = &at
			}
			if stats.NewestAt == nil || at.After(*stats.NewestAt) {
				stats.NewestAt = &at
			}
			return nil
		})
	})
	return stats, err
}

// makeIndexKey orders keys by capture time. The fixed-width UTC layout keeps
// byte order equal to time order.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
