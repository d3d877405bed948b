package replication

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/wanghenshui/Tendis/network"
	"github.com/wanghenshui/Tendis/storage"
	"github.com/wanghenshui/Tendis/utils/log"
)

const (
	binlogSendBatch = 1000
	// binlogFrameOverhead approximates the per-record framing cost charged
	// against the outbound rate limit.
	binlogFrameOverhead = 32

	pushAckTimeout = 10 * time.Second

	pushBusyInterval   = 10 * time.Millisecond
	pushActiveInterval = 100 * time.Millisecond
	pushIdleInterval   = time.Second
)

// RegisterIncrSync attaches a subscriber for incremental pushes of one store
// and returns the client id owning the new push slot. The entry takes
// exclusive ownership of the client.
func (m *Manager) RegisterIncrSync(storeID, dstStoreID uint32, binlogPos uint64,
	client *network.BlockingClient, listenIP string, listenPort uint16,
) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(storeID) >= len(m.pushStatus) {
		return 0, newError(CodeInternal, "invalid storeId %d", storeID)
	}
	clientID := m.clientIDGen
	m.clientIDGen++
	m.pushStatus[storeID][clientID] = &mPovStatus{
		isRunning:       false,
		clientID:        clientID,
		dstStoreID:      dstStoreID,
		binlogPos:       binlogPos,
		nextSchedTime:   time.Now(),
		client:          client,
		slaveListenIP:   listenIP,
		slaveListenPort: listenPort,
	}
	log.Info("registerIncrSync storeId:%d clientId:%d dstStoreId:%d binlogPos:%d slave:%s:%d",
		storeID, clientID, dstStoreID, binlogPos, listenIP, listenPort)
	return clientID, nil
}

// UnregisterIncrSync detaches a subscriber and closes its client.
func (m *Manager) UnregisterIncrSync(storeID uint32, clientID uint64) {
	m.mu.Lock()
	mpov := m.pushStatus[storeID][clientID]
	delete(m.pushStatus[storeID], clientID)
	m.mu.Unlock()

	if mpov != nil && mpov.client != nil {
		mpov.client.Close()
	}
	log.Info("unregisterIncrSync storeId:%d clientId:%d", storeID, clientID)
}

// StartFullPush records a full push to a subscriber node entering flight.
func (m *Manager) StartFullPush(storeID uint32, nodeKey string, binlogPos uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(storeID) >= len(m.fullPushStatus) {
		return newError(CodeInternal, "invalid storeId %d", storeID)
	}
	if cur, ok := m.fullPushStatus[storeID][nodeKey]; ok && cur.state == fullPushRunning {
		return newError(CodeBusy, "full push to %s already running", nodeKey)
	}
	m.fullPushStatus[storeID][nodeKey] = &mPovFullPushStatus{
		state:     fullPushRunning,
		binlogPos: binlogPos,
		startTime: time.Now(),
	}
	return nil
}

// FinishFullPush records a full push leaving flight. Successful entries are
// garbage-collected by the controller after the keep window.
func (m *Manager) FinishFullPush(storeID uint32, nodeKey string, succeeded bool, binlogPos uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(storeID) >= len(m.fullPushStatus) {
		return
	}
	mpov, ok := m.fullPushStatus[storeID][nodeKey]
	if !ok {
		return
	}
	if succeeded {
		mpov.state = fullPushSuccess
	} else {
		mpov.state = fullPushFailed
	}
	mpov.binlogPos = binlogPos
	mpov.endTime = time.Now()
}

// masterPushRoutine streams one batch of binlog tail to one subscriber. The
// entry is re-resolved by (storeID, clientID) under the central mutex; raw
// entry references never cross into the closure.
func (m *Manager) masterPushRoutine(storeID uint32, clientID uint64) {
	nextSched := time.Now().Add(pushIdleInterval)
	defer func() {
		m.mu.Lock()
		if mpov, ok := m.pushStatus[storeID][clientID]; ok {
			if !mpov.isRunning {
				log.Fatal("push job storeId:%d clientId:%d not marked running", storeID, clientID)
			}
			mpov.isRunning = false
			if mpov.nextSchedTime.Before(nextSched) {
				mpov.nextSchedTime = nextSched
			}
		}
		m.mu.Unlock()
	}()

	m.mu.Lock()
	mpov, ok := m.pushStatus[storeID][clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	client := mpov.client
	pos := mpov.binlogPos
	dstStoreID := mpov.dstStoreID
	paused := m.incrPaused
	m.mu.Unlock()

	if paused || client == nil {
		return
	}

	h, err := m.segMgr.GetDB(nil, storeID, storage.LockIS)
	if err != nil {
		log.Error("masterPushRoutine getDb storeId:%d failed:%v", storeID, err)
		return
	}
	defer h.Close()
	store := h.Store

	highest := store.HighestBinlogID()
	if highest >= pos {
		metricBinlogLag.WithLabelValues(fmt.Sprintf("%d", storeID)).Set(float64(highest - pos))
	}

	recs := store.ReadBinlogs(pos+1, highest, binlogSendBatch)
	if len(recs) == 0 {
		return
	}

	var acked uint64
	for _, rec := range recs {
		cost := len(rec.Payload) + binlogFrameOverhead
		if err := m.rateLimiter.WaitN(m.ctx, cost); err != nil {
			break
		}
		frame := fmt.Sprintf("BINLOG %d %d %d %s",
			dstStoreID, rec.ID, rec.Timestamp, hex.EncodeToString(rec.Payload))
		if err := client.WriteLine(frame); err != nil {
			log.Warn("push binlog storeId:%d clientId:%d write failed:%v", storeID, clientID, err)
			break
		}
		reply, err := client.ReadLine(pushAckTimeout)
		if err != nil {
			log.Warn("push binlog storeId:%d clientId:%d ack failed:%v", storeID, clientID, err)
			break
		}
		if !strings.HasPrefix(reply, "+OK") {
			log.Warn("push binlog storeId:%d clientId:%d bad ack:%q", storeID, clientID, reply)
			break
		}
		acked = rec.ID
	}
	if acked == 0 {
		return
	}

	m.mu.Lock()
	if cur, ok := m.pushStatus[storeID][clientID]; ok {
		cur.binlogPos = acked
	}
	m.mu.Unlock()

	if acked == recs[len(recs)-1].ID && len(recs) == binlogSendBatch {
		nextSched = time.Now().Add(pushBusyInterval)
	} else if acked == recs[len(recs)-1].ID {
		nextSched = time.Now().Add(pushActiveInterval)
	}
}
