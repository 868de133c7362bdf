// Package store is the in-memory dataset behind the resource API.
//
// Writes happen inside a Tx that works on a private copy of the dataset.
// Commit publishes the copy; Rollback drops it. At most one Tx is open at a
// time, so committed state only ever moves forward from one snapshot to the
// next. Readers outside a Tx see the last committed snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	value "github.com/hanpama/batchgate/internal/value"
)

var (
	ErrNotFound = errors.New("store: record not found")
	ErrTxDone   = errors.New("store: transaction already committed or rolled back")
)

// Row is one stored record.
type Row struct {
	ID   int64
	Data value.Value
}

// Reader is the read side shared by Store snapshots and Tx.
type Reader interface {
	Get(table string, id int64) (value.Value, error)
	List(table string) []Row
}

type table struct {
	nextID int64
	rows   map[int64]value.Value
}

type dataset map[string]*table

func (d dataset) clone() dataset {
	out := make(dataset, len(d))
	for name, t := range d {
		rows := make(map[int64]value.Value, len(t.rows))
		for id, r := range t.rows {
			rows[id] = r
		}
		out[name] = &table{nextID: t.nextID, rows: rows}
	}
	return out
}

func (d dataset) Get(name string, id int64) (value.Value, error) {
	t, ok := d[name]
	if !ok {
		return value.Value{}, fmt.Errorf("%s %d: %w", name, id, ErrNotFound)
	}
	r, ok := t.rows[id]
	if !ok {
		return value.Value{}, fmt.Errorf("%s %d: %w", name, id, ErrNotFound)
	}
	return r, nil
}

func (d dataset) List(name string) []Row {
	t, ok := d[name]
	if !ok {
		return nil
	}
	out := make([]Row, 0, len(t.rows))
	for id, r := range t.rows {
		out = append(out, Row{ID: id, Data: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Store holds the committed dataset.
type Store struct {
	mu     sync.RWMutex
	data   dataset
	writer chan struct{}
}

func New() *Store {
	return &Store{data: dataset{}, writer: make(chan struct{}, 1)}
}

// View runs fn against the committed dataset.
func (s *Store) View(fn func(Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

// Begin opens a Tx. It waits for the current Tx to finish or ctx to be done.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("store: begin: %w", ctx.Err())
	}
	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()
	return &Tx{s: s, data: snapshot}, nil
}

// Update runs fn in its own Tx and commits when fn returns nil. The Tx is
// rolled back when fn fails or panics.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if !tx.done {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Tx is a write transaction. It is not safe for concurrent use.
type Tx struct {
	s    *Store
	data dataset
	done bool
}

func (tx *Tx) Get(name string, id int64) (value.Value, error) { return tx.data.Get(name, id) }
func (tx *Tx) List(name string) []Row                       { return tx.data.List(name) }

func (tx *Tx) table(name string) *table {
	t, ok := tx.data[name]
	if !ok {
		t = &table{rows: map[int64]value.Value{}}
		tx.data[name] = t
	}
	return t
}

// Insert stores rec under a new id. The id is also written to rec's "id" field.
func (tx *Tx) Insert(name string, rec value.Value) (int64, value.Value, error) {
	if tx.done {
		return 0, value.Value{}, ErrTxDone
	}
	t := tx.table(name)
	t.nextID++
	id := t.nextID
	rec = rec.With("id", value.Int(id))
	t.rows[id] = rec
	return id, rec, nil
}

// Put replaces an existing record.
func (tx *Tx) Put(name string, id int64, rec value.Value) error {
	if tx.done {
		return ErrTxDone
	}
	if _, err := tx.data.Get(name, id); err != nil {
		return err
	}
	tx.data[name].rows[id] = rec.With("id", value.Int(id))
	return nil
}

func (tx *Tx) Delete(name string, id int64) error {
	if tx.done {
		return ErrTxDone
	}
	if _, err := tx.data.Get(name, id); err != nil {
		return err
	}
	delete(tx.data[name].rows, id)
	return nil
}

func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.s.mu.Lock()
	tx.s.data = tx.data
	tx.s.mu.Unlock()
	<-tx.s.writer
	return nil
}

func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.data = nil
	<-tx.s.writer
	return nil
}
