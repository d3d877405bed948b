package replication

import (
	"time"

	"github.com/wanghenshui/Tendis/catalog"
	"github.com/wanghenshui/Tendis/network"
	"github.com/wanghenshui/Tendis/storage"
	"github.com/wanghenshui/Tendis/utils/log"
)

// changeReplSourceGraceMs is added to the prior connect timeout when waiting
// for a running slave job to drain.
const changeReplSourceGraceMs = 2000

// ChangeReplSource points a store at a new replication source, or detaches
// it when ip is empty. The store is held exclusively for the duration.
func (m *Manager) ChangeReplSource(sess *storage.Session, storeID uint32, ip string, port uint16, sourceStoreID uint32) error {
	h, err := m.segMgr.GetDB(sess, storeID, storage.LockX)
	if err != nil {
		return err
	}
	defer h.Close()

	if !h.Store.IsOpen() {
		return nil
	}
	if ip != "" && !h.Store.IsEmpty(true) {
		return newError(CodeManual, "store not empty")
	}
	return m.changeReplSourceInLock(storeID, ip, port, sourceStoreID)
}

// changeReplSourceInLock waits for the store's slave slot to drain, then
// flips mode and meta. Caller holds LOCK_X on the store.
func (m *Manager) changeReplSourceInLock(storeID uint32, ip string, port uint16, sourceStoreID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldTimeout := m.connectMasterTimeoutMs
	if ip != "" {
		m.connectMasterTimeoutMs = 1000
	} else {
		m.connectMasterTimeoutMs = 1
	}

	log.Info("wait for store:%d to yield work", storeID)
	// the target must stop before the meta changes, or a finishing worker
	// may rewrite it
	deadline := time.Now().Add(time.Duration(oldTimeout+changeReplSourceGraceMs) * time.Millisecond)
	for m.syncStatus[storeID].isRunning {
		if !time.Now().Before(deadline) {
			return newError(CodeTimeout, "wait for yield failed")
		}
		ch := m.syncIdleCh
		m.mu.Unlock()
		t := time.NewTimer(time.Until(deadline))
		select {
		case <-ch:
		case <-t.C:
		}
		t.Stop()
		m.mu.Lock()
	}
	log.Info("wait for store:%d to yield work succ", storeID)

	if int(storeID) >= len(m.syncMeta) {
		return newError(CodeInternal, "invalid storeId")
	}
	h, err := m.segMgr.GetDB(nil, storeID, storage.LockNone)
	if err != nil {
		return err
	}
	kvstore := h.Store
	h.Close()

	newMeta := m.syncMeta[storeID].Copy()
	if ip != "" {
		if m.syncMeta[storeID].SyncFromHost != "" {
			return newError(CodeBusy, "explicit set sync source empty before change it")
		}
		m.connectMasterTimeoutMs = 1000

		if err := kvstore.SetMode(storage.ReplicateOnly); err != nil {
			return err
		}
		newMeta.SyncFromHost = ip
		newMeta.SyncFromPort = port
		newMeta.SyncFromID = sourceStoreID
		newMeta.ReplState = catalog.ReplConnect
		newMeta.BinlogID = storage.TxnIDUninited
		log.Info("change store:%d syncSrc from no one to %s:%d:%d",
			storeID, newMeta.SyncFromHost, newMeta.SyncFromPort, newMeta.SyncFromID)
		m.changeReplStateInLock(newMeta, true)
		return nil
	}

	// ip == "", detach
	if newMeta.SyncFromHost == "" {
		return nil
	}
	log.Info("change store:%d syncSrc:%s to no one", storeID, newMeta.SyncFromHost)
	m.connectMasterTimeoutMs = 1

	if err := m.netw.Sessions().Cancel(m.syncStatus[storeID].sessionID); err != nil {
		// this error does not affect much, just log and continue
		log.Warn("cancel store:%d session failed:%v", storeID, err)
	}
	m.syncStatus[storeID].sessionID = network.InvalidSessionID

	if err := kvstore.SetMode(storage.ReadWrite); err != nil {
		return err
	}

	if port != 0 || sourceStoreID != 0 {
		log.Fatal("detach store:%d with port:%d sourceStoreId:%d", storeID, port, sourceStoreID)
	}
	newMeta.SyncFromHost = ip
	newMeta.SyncFromPort = port
	newMeta.SyncFromID = sourceStoreID
	newMeta.ReplState = catalog.ReplNone
	newMeta.BinlogID = storage.TxnIDUninited
	m.changeReplStateInLock(newMeta, true)
	return nil
}
