package storage

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemStore is an in-memory KVStore with a real ordered binlog. It backs the
// package tests and the single-binary demo wiring; a production node plugs a
// persistent engine behind the same interface.
type MemStore struct {
	mu sync.Mutex

	id      uint32
	open    bool
	running bool
	mode    StoreMode

	kv      map[string][]byte
	binlog  []BinlogRecord // ascending by ID
	nextID  uint64
	highest uint64

	commitErr error // injected by FailNextCommit
}

func NewMemStore(id uint32) *MemStore {
	return &MemStore{
		id:      id,
		open:    true,
		running: true,
		mode:    ReadWrite,
		kv:      make(map[string][]byte),
		nextID:  MinValidTxnID,
	}
}

// NewClosedMemStore returns a store that reports closed, for stores the node
// hosts but has not opened.
func NewClosedMemStore(id uint32) *MemStore {
	s := NewMemStore(id)
	s.open = false
	s.running = false
	s.mode = StoreNone
	return s
}

func (s *MemStore) ID() uint32 { return s.id }

func (s *MemStore) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *MemStore) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetRunning pauses or resumes the store without closing it.
func (s *MemStore) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

func (s *MemStore) IsEmpty(walkBinlog bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.kv) > 0 {
		return false
	}
	if walkBinlog && len(s.binlog) > 0 {
		return false
	}
	return true
}

func (s *MemStore) Mode() StoreMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *MemStore) SetMode(mode StoreMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.Errorf("store %d is not open", s.id)
	}
	s.mode = mode
	return nil
}

// Put writes a key and appends the matching binlog record, returning the
// assigned binlog id.
func (s *MemStore) Put(key string, value []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	id := s.nextID
	s.nextID++
	s.highest = id
	s.binlog = append(s.binlog, BinlogRecord{
		ID:        id,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   append([]byte(key+"="), value...),
	})
	return id
}

func (s *MemStore) HighestBinlogID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest
}

func (s *MemStore) MinBinlog() (BinlogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.binlog) == 0 {
		return BinlogRecord{}, ErrExhaust
	}
	return s.binlog[0], nil
}

func (s *MemStore) ReadBinlogs(from, to uint64, limit int) []BinlogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BinlogRecord
	for _, rec := range s.binlog {
		if rec.ID < from {
			continue
		}
		if rec.ID > to {
			break
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// FailNextCommit makes the next transaction commit fail with err.
func (s *MemStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

func (s *MemStore) CreateTransaction(_ *Session) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, errors.Errorf("store %d is not open", s.id)
	}
	return &memTxn{store: s}, nil
}

func (s *MemStore) TruncateBinlogV2(start, end uint64, txn Transaction, sink io.Writer) (TruncateResult, error) {
	t, ok := txn.(*memTxn)
	if !ok || t.store != s {
		return TruncateResult{}, errors.New("transaction does not belong to this store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var written uint64
	cut := 0
	for i, rec := range s.binlog {
		// the newest record is never truncated
		if rec.ID < start || rec.ID >= end || i == len(s.binlog)-1 {
			break
		}
		if sink != nil {
			line := fmt.Sprintf("%d %d %s\n", rec.ID, rec.Timestamp, hex.EncodeToString(rec.Payload))
			n, err := io.WriteString(sink, line)
			if err != nil {
				return TruncateResult{}, errors.Wrap(err, "write archive")
			}
			written += uint64(n)
		}
		cut = i + 1
	}

	res := TruncateResult{NewStart: start, Written: written}
	if cut < len(s.binlog) {
		res.NewStart = s.binlog[cut].ID
		res.Timestamp = s.binlog[cut].Timestamp
	}
	t.truncateTo = cut
	t.pending = true
	return res, nil
}

type memTxn struct {
	store      *MemStore
	pending    bool
	truncateTo int
	done       bool
}

func (t *memTxn) Commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return err
	}
	if t.pending {
		s.binlog = s.binlog[t.truncateTo:]
	}
	return nil
}

func (t *memTxn) Rollback() error {
	t.done = true
	return nil
}
