package storage

import (
	"sync"

	"github.com/pkg/errors"
)

// LockMode is the intent a caller declares when resolving a store handle.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockIS
	LockIX
	LockS
	LockX
)

// DBHandle is a resolved store plus the lock taken to resolve it. Callers
// must Close the handle to release the lock.
type DBHandle struct {
	Store   KVStore
	mode    LockMode
	release func()
}

func (h *DBHandle) Close() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}

// SegmentMgr resolves store handles under a lock mode.
type SegmentMgr interface {
	GetDB(sess *Session, storeID uint32, mode LockMode) (*DBHandle, error)
	StoreCount() uint32
}

// LocalSegmentMgr serves handles over a fixed set of local stores. LockX is
// exclusive against all other modes; IS/IX/S share with each other.
type LocalSegmentMgr struct {
	stores []KVStore
	locks  []*sync.RWMutex
}

func NewLocalSegmentMgr(stores []KVStore) *LocalSegmentMgr {
	locks := make([]*sync.RWMutex, len(stores))
	for i := range locks {
		locks[i] = &sync.RWMutex{}
	}
	return &LocalSegmentMgr{stores: stores, locks: locks}
}

func (m *LocalSegmentMgr) StoreCount() uint32 {
	return uint32(len(m.stores))
}

func (m *LocalSegmentMgr) GetDB(_ *Session, storeID uint32, mode LockMode) (*DBHandle, error) {
	if storeID >= uint32(len(m.stores)) {
		return nil, errors.Errorf("invalid storeId %d", storeID)
	}
	h := &DBHandle{Store: m.stores[storeID], mode: mode}
	lk := m.locks[storeID]
	switch mode {
	case LockNone:
	case LockX:
		lk.Lock()
		h.release = lk.Unlock
	default:
		lk.RLock()
		h.release = lk.RUnlock
	}
	return h, nil
}
