package replication

import (
	"runtime"
	"time"

	"github.com/wanghenshui/Tendis/catalog"
	"github.com/wanghenshui/Tendis/utils/log"
)

const (
	controllerIdleSleep = 10 * time.Millisecond

	// finished full-push records linger this long for introspection before
	// the controller garbage-collects them
	fullPushStatusKeep = 600 * time.Second
)

// schedSlaveInLock dispatches at most one slave-side job per due store.
// Full-sync and incremental jobs go to different pools.
func (m *Manager) schedSlaveInLock(now time.Time) bool {
	doSth := false
	for i := range m.syncStatus {
		if m.syncStatus[i].isRunning ||
			now.Before(m.syncStatus[i].nextSchedTime) ||
			m.syncMeta[i].ReplState == catalog.ReplNone {
			continue
		}
		storeID := uint32(i)
		switch m.syncMeta[i].ReplState {
		case catalog.ReplConnect:
			doSth = true
			m.syncStatus[i].isRunning = true
			m.fullReceiver.Schedule(func() {
				m.slaveSyncRoutine(storeID)
			})
		case catalog.ReplConnected:
			doSth = true
			m.syncStatus[i].isRunning = true
			m.incrChecker.Schedule(func() {
				m.slaveSyncRoutine(storeID)
			})
		case catalog.ReplTransfer:
			// the worker that entered TRANSFER owns the store and must
			// leave it before the state is visible here again
			log.Fatal("sync store:%d REPL_TRANSFER should not be visitable", i)
		}
	}
	return doSth
}

// schedMasterInLock garbage-collects finished full pushes and dispatches due
// incremental pushes.
func (m *Manager) schedMasterInLock(now time.Time) bool {
	m.recycleFullPushStatusInLock(now)

	subscribers := 0
	doSth := false
	for i := range m.pushStatus {
		subscribers += len(m.pushStatus[i])
		for clientID, mpov := range m.pushStatus[i] {
			if mpov.isRunning || now.Before(mpov.nextSchedTime) {
				continue
			}
			doSth = true
			mpov.isRunning = true
			storeID, cid := uint32(i), clientID
			m.incrPusher.Schedule(func() {
				m.masterPushRoutine(storeID, cid)
			})
		}
	}
	metricConnectedSlaves.Set(float64(subscribers))
	return doSth
}

func (m *Manager) schedRecycLogInLock(now time.Time) bool {
	doSth := false
	for i := range m.logRecycStatus {
		if m.logRecycStatus[i].isRunning ||
			now.Before(m.logRecycStatus[i].nextSchedTime) {
			continue
		}
		doSth = true
		m.logRecycStatus[i].isRunning = true
		storeID := uint32(i)
		m.logRecycler.Schedule(func() {
			m.recycleBinlog(storeID)
		})
	}
	return doSth
}

// recycleFullPushStatusInLock drops finished full-push records that outlived
// their keep window.
func (m *Manager) recycleFullPushStatusInLock(now time.Time) {
	for i := range m.fullPushStatus {
		for node, mpov := range m.fullPushStatus[i] {
			if mpov.state == fullPushSuccess && now.After(mpov.endTime.Add(fullPushStatusKeep)) {
				log.Info("fullPushStatus erase,storeId:%d node:%s state:%s binlogPos:%d starttime:%d endtime:%d",
					i, node, mpov.state, mpov.binlogPos,
					mpov.startTime.UnixMilli(), mpov.endTime.UnixMilli())
				delete(m.fullPushStatus[i], node)
			}
		}
	}
}

// controlRoutine is the scheduling loop. One pass inspects every store under
// the central mutex and submits at most one job per idle due slot.
func (m *Manager) controlRoutine() {
	defer m.controller.Done()
	for m.running.Load() {
		doSth := false
		now := time.Now()

		m.mu.Lock()
		doSth = m.schedSlaveInLock(now)
		doSth = m.schedMasterInLock(now) || doSth
		doSth = m.schedRecycLogInLock(now) || doSth
		m.mu.Unlock()

		if doSth {
			runtime.Gosched()
		} else {
			time.Sleep(controllerIdleSleep)
		}
	}
	log.Info("repl controller exits")
}
