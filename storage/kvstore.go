package storage

import (
	"io"
	"math"

	"github.com/pkg/errors"
)

// Binlog id sentinels. TxnIDUninited marks an unset position; MinValidTxnID
// is the first id a store ever assigns.
const (
	TxnIDUninited = uint64(math.MaxUint64)
	MinValidTxnID = uint64(2)
)

// ErrExhaust is returned by MinBinlog when the store holds no binlog records.
var ErrExhaust = errors.New("binlog exhausted")

// StoreMode controls which operations a store accepts.
type StoreMode uint8

const (
	// ReadWrite accepts normal client writes; the store is a master.
	ReadWrite StoreMode = iota
	// ReplicateOnly accepts only replicated writes; the store is a slave.
	ReplicateOnly
	// StoreNone marks a closed store.
	StoreNone
)

func (m StoreMode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"
	case ReplicateOnly:
		return "replicate-only"
	case StoreNone:
		return "none"
	}
	return "unknown"
}

// BinlogRecord is one entry of a store's write-ahead binlog.
type BinlogRecord struct {
	ID        uint64
	Timestamp uint64 // milliseconds since epoch
	Payload   []byte
}

// TruncateResult reports what TruncateBinlogV2 removed.
type TruncateResult struct {
	// NewStart is the smallest binlog id still retained after truncation.
	NewStart uint64
	// Written is the number of bytes appended to the archive sink.
	Written uint64
	// Timestamp is the timestamp of the oldest retained record, 0 if none.
	Timestamp uint64
}

// Transaction is a store transaction. Mutations staged through it become
// visible at Commit.
type Transaction interface {
	Commit() error
	Rollback() error
}

// Session identifies the caller of a store operation for lock bookkeeping.
// A nil *Session is valid during startup when no session exists yet.
type Session struct {
	ID uint64
}

// KVStore is the per-shard storage engine surface the replication manager
// drives. Engine internals live behind this interface.
type KVStore interface {
	ID() uint32
	IsOpen() bool
	IsRunning() bool
	// IsEmpty reports whether the store holds no user data. walkBinlog
	// includes binlog-only stores in the check.
	IsEmpty(walkBinlog bool) bool

	Mode() StoreMode
	SetMode(mode StoreMode) error

	// HighestBinlogID is the id of the most recently appended record, or 0
	// if the store never wrote one.
	HighestBinlogID() uint64
	// MinBinlog returns the oldest retained record, or ErrExhaust.
	MinBinlog() (BinlogRecord, error)
	// ReadBinlogs returns up to limit records with id in [from, to].
	ReadBinlogs(from, to uint64, limit int) []BinlogRecord

	CreateTransaction(sess *Session) (Transaction, error)
	// TruncateBinlogV2 stages removal of records with id in [start, end)
	// into txn, streaming the removed records to sink when non-nil. The
	// newest record is always retained.
	TruncateBinlogV2(start, end uint64, txn Transaction, sink io.Writer) (TruncateResult, error)
}
