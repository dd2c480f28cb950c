// Package index is the local file index: which objects this device wants, what
// they are, and how far their downloads got.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("object not in index")

const objectPrefix = "object:"

type Status uint8

const (
	Wanted Status = iota
	Downloading
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Wanted:
		return "Wanted"
	case Downloading:
		return "Downloading"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	}

	return ""
}

// Record describes one object.
type Record struct {
	ID          string    `json:"id"`
	FileUUID    string    `json:"file_uuid,omitempty"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	Priority    int       `json:"priority"`
	LocalSource string    `json:"local_source,omitempty"`
	Status      Status    `json:"status"`
	Received    int64     `json:"received"`
	AddedAt     time.Time `json:"added_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Index stores records in badger under "object:<id>" as JSON.
type Index struct {
	db *badger.DB

	mu   sync.Mutex
	subs []chan struct{}
}

func Open(dir string) (*Index, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %s: %w", dir, err)
	}
	return &Index{db: db}, nil
}

func OpenInMemory() (*Index, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory index: %w", err)
	}
	return &Index{db: db}, nil
}

func (x *Index) Close() error {
	x.mu.Lock()
	for _, ch := range x.subs {
		close(ch)
	}
	x.subs = nil
	x.mu.Unlock()

	return x.db.Close()
}

// Changes returns a channel that receives a signal whenever the wanted set may
// have changed. Signals are coalesced.
func (x *Index) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)

	x.mu.Lock()
	x.subs = append(x.subs, ch)
	x.mu.Unlock()

	return ch
}

func (x *Index) notify() {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, ch := range x.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Add registers an object as wanted. Re-adding a failed object wants it
// again.
func (x *Index) Add(rec Record) error {
	if rec.ID == "" {
		return errors.New("record without id")
	}
	if rec.Size < 0 {
		return fmt.Errorf("negative size %d", rec.Size)
	}

	rec.Status = Wanted
	rec.Received = 0
	if rec.AddedAt.IsZero() {
		rec.AddedAt = time.Now()
	}

	if err := x.db.Update(func(txn *badger.Txn) error {
		return put(txn, rec)
	}); err != nil {
		return err
	}

	x.notify()
	return nil
}

func (x *Index) Remove(id string) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
	if err != nil {
		return err
	}

	x.notify()
	return nil
}

func (x *Index) Lookup(id string) (Record, error) {
	var rec Record
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = get(txn, id)
		return err
	})
	return rec, err
}

// List returns every record ordered by id.
func (x *Index) List() ([]Record, error) {
	var out []Record

	err := x.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(objectPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})

	return out, err
}

// Wanted returns the ids of objects that still need content.
func (x *Index) Wanted() ([]string, error) {
	records, err := x.List()
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, rec := range records {
		if rec.Status == Wanted || rec.Status == Downloading {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (x *Index) SetProgress(id string, received int64) error {
	return x.modify(id, func(rec *Record) {
		rec.Received = received
	})
}

func (x *Index) SetStatus(id string, status Status) error {
	var wantedChanged bool
	err := x.modify(id, func(rec *Record) {
		wantedChanged = wants(rec.Status) != wants(status)
		rec.Status = status
	})
	if err != nil {
		return err
	}

	if wantedChanged {
		x.notify()
	}
	return nil
}

// Finalize marks the object complete with its verified content hash.
func (x *Index) Finalize(id, hash string) error {
	err := x.modify(id, func(rec *Record) {
		rec.Hash = hash
		rec.Status = Completed
		rec.Received = rec.Size
		rec.CompletedAt = time.Now()
	})
	if err != nil {
		return err
	}

	x.notify()
	return nil
}

func (x *Index) modify(id string, fn func(*Record)) error {
	return x.db.Update(func(txn *badger.Txn) error {
		rec, err := get(txn, id)
		if err != nil {
			return err
		}
		fn(&rec)
		return put(txn, rec)
	})
}

func wants(s Status) bool {
	return s == Wanted || s == Downloading
}

func key(id string) []byte {
	return []byte(objectPrefix + id)
}

func get(txn *badger.Txn, id string) (Record, error) {
	var rec Record

	item, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return rec, err
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func put(txn *badger.Txn, rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(key(rec.ID), val)
}
