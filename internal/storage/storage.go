// Package storage keeps an append-only log of served predictions.
// It uses BoltDB as the underlying storage engine; entries are keyed by
// timestamp so range and most-recent queries are cursor scans.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"car-forecast/internal/features"

	"go.etcd.io/bbolt"
)

const (
	predictionsBucket = "predictions" // Bucket name for prediction records
	dbFile            = "predictions.db"
	keyWidth          = 20 // zero-padded unix nanoseconds sort lexically
)

// Prediction is one served prediction.
type Prediction struct {
	Timestamp   time.Time       `json:"timestamp"`
	Input       features.Record `json:"input"`
	Probability float64         `json:"probability"`
	Profitable  bool            `json:"profitable"`
	Prediction  string          `json:"prediction"`
}

// Store provides persistent storage for predictions using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the prediction log under dataPath.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is harmless.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Append stores a prediction. A zero Timestamp is set to now; entries sharing
// a nanosecond are nudged forward so none is overwritten.
func (s *Store) Append(p Prediction) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		ts := p.Timestamp.UnixNano()
		for b.Get(encodeKey(ts)) != nil {
			ts++
		}

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}

		return b.Put(encodeKey(ts), data)
	})
}

// Recent returns up to limit predictions, newest first.
func (s *Store) Recent(limit int) ([]Prediction, error) {
	if limit <= 0 {
		return nil, nil
	}

	out := make([]Prediction, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()

		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var p Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				continue // Skip malformed records
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Between returns predictions with start <= timestamp <= end, oldest first.
func (s *Store) Between(start, end time.Time) ([]Prediction, error) {
	var out []Prediction

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()

		endKey := string(encodeKey(end.UnixNano()))
		for k, v := c.Seek(encodeKey(start.UnixNano())); k != nil && string(k) <= endKey; k, v = c.Next() {
			var p Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Count is the number of stored predictions.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(predictionsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func encodeKey(ts int64) []byte {
	return []byte(fmt.Sprintf("%0*d", keyWidth, ts))
}
