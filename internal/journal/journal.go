// Package journal records sequence transitions in a badger database so the
// history of wiring faults survives restarts. It never feeds state back into
// the estimators.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var prefix = []byte("seq/")

// Event is one change of the detected sequence.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Swap      string    `json:"swap"`
	AngleAB   float64   `json:"angle_ab"`
	AngleBC   float64   `json:"angle_bc"`
	AngleCA   float64   `json:"angle_ca"`
	Imbalance float64   `json:"imbalance_pct"`
}

type Journal struct {
	db *badger.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	return open(badger.DefaultOptions(path).WithNumVersionsToKeep(1).WithLogger(nil))
}

// OpenInMemory returns a journal that is discarded on Close.
func OpenInMemory() (*Journal, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Journal, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", opts.Dir, err)
	}
	slog.Info("journal: opened", "path", opts.Dir, "in_memory", opts.InMemory)
	return &Journal{db: db}, nil
}

// key sorts chronologically: prefix, big-endian nanoseconds, event ID.
func key(ev Event) []byte {
	k := make([]byte, 0, len(prefix)+8+16)
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(ev.Time.UnixNano()))
	id, err := uuid.Parse(ev.ID)
	if err == nil {
		k = append(k, id[:]...)
	} else {
		k = append(k, ev.ID...)
	}
	return k
}

func encode(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (Event, error) {
	var ev Event
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ev)
	return ev, err
}

// Record stores ev, assigning an ID and a time when missing, and returns the
// stored event.
func (j *Journal) Record(ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Time = ev.Time.UTC()

	val, err := encode(ev)
	if err != nil {
		return ev, fmt.Errorf("journal: encode: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(ev), val)
	})
	if err != nil {
		return ev, fmt.Errorf("journal: write: %w", err)
	}
	return ev, nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	events := make([]Event, 0, min(limit, 64))
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past every key with the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(events) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ev, err := decode(val)
				if err != nil {
					return err
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return fmt.Errorf("journal: decode %x: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	return events, err
}

// Since returns events at or after t, oldest first.
func (j *Journal) Since(t time.Time) ([]Event, error) {
	var events []Event
	start := binary.BigEndian.AppendUint64(append([]byte{}, prefix...), uint64(t.UnixNano()))
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ev, err := decode(val)
				if err != nil {
					return err
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return fmt.Errorf("journal: decode %x: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	return events, err
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	if errors.Is(err, badger.ErrDBClosed) {
		return nil
	}
	return err
}
