package replication

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/wanghenshui/Tendis/catalog"
	"github.com/wanghenshui/Tendis/network"
	"github.com/wanghenshui/Tendis/utils/log"
)

const (
	// slaveRetryInterval schedules the next attempt after a failed slave job.
	slaveRetryInterval = time.Second
	// incrKeepaliveInterval paces incremental session checks while healthy.
	incrKeepaliveInterval = 10 * time.Second

	syncReplyTimeout = 10 * time.Second
)

// SyncDelegate carries the wire-protocol body of full sync and incremental
// session checks. The manager owns scheduling and state; the delegate only
// talks to the remote over an authenticated client.
type SyncDelegate interface {
	// FullSync transfers a complete snapshot of the source store and
	// returns the binlog id the snapshot is anchored at.
	FullSync(client *network.BlockingClient, meta *catalog.StoreMeta) (uint64, error)
	// CheckIncrSync verifies the incremental session is still serviceable
	// at the slave's applied position.
	CheckIncrSync(client *network.BlockingClient, meta *catalog.StoreMeta) error
}

// lineSyncDelegate speaks the node's newline-delimited replication protocol.
type lineSyncDelegate struct{}

func (d *lineSyncDelegate) FullSync(client *network.BlockingClient, meta *catalog.StoreMeta) (uint64, error) {
	req := fmt.Sprintf("FULLSYNC %d %d", meta.SyncFromID, meta.ID)
	if err := client.WriteLine(req); err != nil {
		return 0, err
	}
	reply, err := client.ReadLine(syncReplyTimeout)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(reply)
	if len(fields) != 2 || fields[0] != "+FULLSYNC" {
		return 0, errors.Errorf("unexpected fullsync reply:%q", reply)
	}
	binlogID, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse fullsync anchor %q", fields[1])
	}
	return binlogID, nil
}

func (d *lineSyncDelegate) CheckIncrSync(client *network.BlockingClient, meta *catalog.StoreMeta) error {
	req := fmt.Sprintf("INCRSYNC %d %d %d", meta.SyncFromID, meta.ID, meta.BinlogID)
	if err := client.WriteLine(req); err != nil {
		return err
	}
	reply, err := client.ReadLine(syncReplyTimeout)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "+OK") {
		return errors.Errorf("unexpected incrsync reply:%q", reply)
	}
	return nil
}

// slaveSyncRoutine is the slave-side job of one store: full sync when the
// store is freshly attached, session check when it already tails its master.
// Every exit path clears the slot and wakes source-change waiters.
func (m *Manager) slaveSyncRoutine(storeID uint32) {
	nextSched := time.Now().Add(slaveRetryInterval)
	ok := false
	defer func() {
		m.mu.Lock()
		v := m.syncStatus[storeID]
		if !v.isRunning {
			log.Fatal("slave job for store:%d not marked running", storeID)
		}
		v.isRunning = false
		if v.nextSchedTime.Before(nextSched) {
			v.nextSchedTime = nextSched
		}
		if ok {
			v.lastSyncTime = time.Now()
		}
		m.notifySyncIdleInLock()
		m.mu.Unlock()
	}()

	m.mu.Lock()
	meta := m.syncMeta[storeID].Copy()
	timeoutMs := m.connectMasterTimeoutMs
	m.mu.Unlock()

	switch meta.ReplState {
	case catalog.ReplConnect:
		ok = m.startFullSync(meta, timeoutMs)
		if ok {
			// begin tailing promptly after the snapshot lands
			nextSched = time.Now().Add(100 * time.Millisecond)
		}
	case catalog.ReplConnected:
		ok = m.checkIncrSync(meta, timeoutMs)
		if ok {
			nextSched = time.Now().Add(incrKeepaliveInterval)
		}
	default:
		log.Warn("slave routine store:%d state:%s, nothing to do", storeID, meta.ReplState)
	}
}

// startFullSync owns the store for the duration of the transfer: the state
// moves to TRANSFER before the body runs and leaves it on every path.
func (m *Manager) startFullSync(meta *catalog.StoreMeta, timeoutMs uint64) bool {
	client := m.createClient(meta, timeoutMs)
	if client == nil {
		return false
	}
	sessID := m.netw.Sessions().Attach(client)

	m.mu.Lock()
	m.syncStatus[meta.ID].sessionID = sessID
	transferMeta := meta.Copy()
	transferMeta.ReplState = catalog.ReplTransfer
	m.changeReplStateInLock(transferMeta, false)
	m.mu.Unlock()

	binlogID, err := m.syncDelegate.FullSync(client, meta)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		log.Warn("fullsync store:%d from %s:%d failed:%v",
			meta.ID, meta.SyncFromHost, meta.SyncFromPort, err)
		retryMeta := meta.Copy()
		retryMeta.ReplState = catalog.ReplConnect
		m.changeReplStateInLock(retryMeta, false)
		m.dropSlaveSessionInLock(meta.ID, sessID)
		return false
	}

	doneMeta := meta.Copy()
	doneMeta.ReplState = catalog.ReplConnected
	doneMeta.BinlogID = binlogID
	m.changeReplStateInLock(doneMeta, true)
	m.dropSlaveSessionInLock(meta.ID, sessID)
	log.Info("fullsync store:%d done, binlogId:%d", meta.ID, binlogID)
	return true
}

func (m *Manager) checkIncrSync(meta *catalog.StoreMeta, timeoutMs uint64) bool {
	client := m.createClient(meta, timeoutMs)
	if client == nil {
		return false
	}
	sessID := m.netw.Sessions().Attach(client)
	m.mu.Lock()
	m.syncStatus[meta.ID].sessionID = sessID
	m.mu.Unlock()

	err := m.syncDelegate.CheckIncrSync(client, meta)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSlaveSessionInLock(meta.ID, sessID)
	if err != nil {
		log.Warn("incrsync check store:%d failed:%v", meta.ID, err)
		return false
	}
	return true
}

// dropSlaveSessionInLock cancels the session if it still owns the slot.
func (m *Manager) dropSlaveSessionInLock(storeID uint32, sessID uint64) {
	m.netw.Sessions().Cancel(sessID)
	if m.syncStatus[storeID].sessionID == sessID {
		m.syncStatus[storeID].sessionID = network.InvalidSessionID
	}
}
