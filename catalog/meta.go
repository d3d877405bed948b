package catalog

import (
	"fmt"

	"github.com/wanghenshui/Tendis/storage"
)

// ReplState is the replication state of a single store.
type ReplState uint8

const (
	// ReplNone : not replicating from anyone, master-writable.
	ReplNone ReplState = iota
	// ReplConnect : a source is configured but no session is active; the
	// next slave tick attempts a full sync.
	ReplConnect
	// ReplTransfer : a full-sync transfer is underway. The worker owns the
	// store exclusively while this holds.
	ReplTransfer
	// ReplConnected : incremental session established, tailing the master.
	ReplConnected
)

func (s ReplState) String() string {
	switch s {
	case ReplNone:
		return "none"
	case ReplConnect:
		return "connect"
	case ReplTransfer:
		return "transfer"
	case ReplConnected:
		return "connected"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// CanTransition reports whether from -> to is a legal replication state
// change. Detaching (-> ReplNone) is legal from any state.
func CanTransition(from, to ReplState) bool {
	if to == ReplNone {
		return true
	}
	switch from {
	case ReplNone:
		return to == ReplConnect
	case ReplConnect:
		return to == ReplTransfer
	case ReplTransfer:
		// a dropped transfer session falls back to connect for retry
		return to == ReplConnected || to == ReplConnect
	case ReplConnected:
		return to == ReplConnect
	}
	return false
}

// StoreMeta is the durable replication metadata of one store.
type StoreMeta struct {
	ID           uint32    `msgpack:"id"`
	SyncFromHost string    `msgpack:"sync_from_host"`
	SyncFromPort uint16    `msgpack:"sync_from_port"`
	SyncFromID   uint32    `msgpack:"sync_from_id"`
	BinlogID     uint64    `msgpack:"binlog_id"`
	ReplState    ReplState `msgpack:"repl_state"`
}

// NewStoreMeta returns the default meta of a store that replicates from no
// one.
func NewStoreMeta(id uint32) *StoreMeta {
	return &StoreMeta{
		ID:        id,
		BinlogID:  storage.TxnIDUninited,
		ReplState: ReplNone,
	}
}

func (m *StoreMeta) Copy() *StoreMeta {
	c := *m
	return &c
}
