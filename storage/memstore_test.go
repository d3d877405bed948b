package storage

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillStore(s *MemStore, n int) []uint64 {
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, s.Put(fmt.Sprintf("k%d", i), []byte("v")))
	}
	return ids
}

func TestMemStoreBinlogAssignment(t *testing.T) {
	s := NewMemStore(0)
	assert.True(t, s.IsEmpty(true))
	assert.Equal(t, uint64(0), s.HighestBinlogID())

	_, err := s.MinBinlog()
	assert.Equal(t, ErrExhaust, errors.Cause(err))

	ids := fillStore(s, 3)
	assert.Equal(t, MinValidTxnID, ids[0])
	assert.Equal(t, MinValidTxnID+2, s.HighestBinlogID())
	assert.False(t, s.IsEmpty(true))

	rec, err := s.MinBinlog()
	require.NoError(t, err)
	assert.Equal(t, MinValidTxnID, rec.ID)
}

func TestMemStoreTruncate(t *testing.T) {
	s := NewMemStore(1)
	ids := fillStore(s, 10)

	txn, err := s.CreateTransaction(nil)
	require.NoError(t, err)

	var sink bytes.Buffer
	res, err := s.TruncateBinlogV2(ids[0], ids[5], txn, &sink)
	require.NoError(t, err)
	assert.Equal(t, ids[5], res.NewStart)
	assert.Equal(t, uint64(sink.Len()), res.Written)
	assert.NotZero(t, res.Timestamp)

	// nothing visible before commit
	rec, err := s.MinBinlog()
	require.NoError(t, err)
	assert.Equal(t, ids[0], rec.ID)

	require.NoError(t, txn.Commit())
	rec, err = s.MinBinlog()
	require.NoError(t, err)
	assert.Equal(t, ids[5], rec.ID)
}

func TestMemStoreTruncateKeepsNewest(t *testing.T) {
	s := NewMemStore(2)
	ids := fillStore(s, 4)

	txn, err := s.CreateTransaction(nil)
	require.NoError(t, err)
	res, err := s.TruncateBinlogV2(ids[0], uint64(math.MaxUint64), txn, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	// the newest record survives an unbounded truncation
	assert.Equal(t, ids[3], res.NewStart)
	rec, err := s.MinBinlog()
	require.NoError(t, err)
	assert.Equal(t, ids[3], rec.ID)
	assert.Equal(t, ids[3], s.HighestBinlogID())
}

func TestMemStoreTruncateNoop(t *testing.T) {
	s := NewMemStore(3)
	ids := fillStore(s, 3)

	txn, err := s.CreateTransaction(nil)
	require.NoError(t, err)
	res, err := s.TruncateBinlogV2(ids[0], ids[0], txn, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.Equal(t, ids[0], res.NewStart)
	assert.Zero(t, res.Written)
}

func TestMemStoreCommitFailure(t *testing.T) {
	s := NewMemStore(4)
	ids := fillStore(s, 5)

	s.FailNextCommit(errors.New("disk on fire"))
	txn, err := s.CreateTransaction(nil)
	require.NoError(t, err)
	_, err = s.TruncateBinlogV2(ids[0], ids[3], txn, nil)
	require.NoError(t, err)
	assert.Error(t, txn.Commit())

	// the staged truncation never applied
	rec, err := s.MinBinlog()
	require.NoError(t, err)
	assert.Equal(t, ids[0], rec.ID)
}

func TestMemStoreReadBinlogs(t *testing.T) {
	s := NewMemStore(5)
	ids := fillStore(s, 10)

	recs := s.ReadBinlogs(ids[2], ids[6], 0)
	require.Len(t, recs, 5)
	assert.Equal(t, ids[2], recs[0].ID)
	assert.Equal(t, ids[6], recs[4].ID)

	recs = s.ReadBinlogs(ids[0], ids[9], 3)
	assert.Len(t, recs, 3)
}

func TestSegmentMgrLocking(t *testing.T) {
	stores := []KVStore{NewMemStore(0), NewMemStore(1)}
	mgr := NewLocalSegmentMgr(stores)
	assert.Equal(t, uint32(2), mgr.StoreCount())

	h, err := mgr.GetDB(nil, 0, LockX)
	require.NoError(t, err)
	assert.Equal(t, stores[0], h.Store)

	// IX on another store proceeds while store 0 is held exclusively
	h2, err := mgr.GetDB(nil, 1, LockIX)
	require.NoError(t, err)
	h2.Close()

	h.Close()
	h.Close() // double close is a no-op

	_, err = mgr.GetDB(nil, 9, LockNone)
	assert.Error(t, err)
}
