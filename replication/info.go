package replication

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wanghenshui/Tendis/storage"
)

// ReplInfo renders the Redis-compatible "INFO replication" section.
func (m *Manager) ReplInfo(showAll bool) string {
	var sb strings.Builder
	m.getReplInfoSimple(&sb, showAll)
	m.getReplInfoDetail(&sb, showAll)
	return sb.String()
}

func (m *Manager) getReplInfoSimple(sb *strings.Builder, _ bool) {
	role := "master"
	masterReplOffset := 0
	masterHost := ""
	masterPort := uint16(0)
	masterLinkStatus := "up"
	masterLastIOSecondsAgo := int64(0)
	masterSyncInProgress := 0
	slaveReplOffset := int64(-1)
	slavePriority := -1
	slaveReadOnly := 1

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for i := range m.syncMeta {
		if m.syncMeta[i].SyncFromHost == "" {
			continue
		}
		role = "slave"
		masterHost = m.syncMeta[i].SyncFromHost
		masterPort = m.syncMeta[i].SyncFromPort
		secAgo := int64(now.Sub(m.syncStatus[i].lastSyncTime) / time.Second)
		if secAgo > masterLastIOSecondsAgo {
			masterLastIOSecondsAgo = secAgo
		}
	}

	connectedSlaves := 0
	for i := range m.pushStatus {
		h, err := m.segMgr.GetDB(nil, uint32(i), storage.LockNone)
		if err != nil {
			return
		}
		connectedSlaves = len(m.pushStatus[i])

		highest := h.Store.HighestBinlogID()
		h.Close()
		for _, mpov := range m.pushStatus[i] {
			lag := int64(highest) - int64(mpov.binlogPos)
			if lag > slaveReplOffset {
				slaveReplOffset = lag
			}
		}
	}

	fmt.Fprintf(sb, "role:%s\r\n", role)
	fmt.Fprintf(sb, "master_repl_offset:%d\r\n", masterReplOffset)
	fmt.Fprintf(sb, "connected_slaves:%d\r\n", connectedSlaves)
	if role == "slave" {
		fmt.Fprintf(sb, "master_host:%s\r\n", masterHost)
		fmt.Fprintf(sb, "master_port:%d\r\n", masterPort)
		fmt.Fprintf(sb, "master_link_status:%s\r\n", masterLinkStatus)
		fmt.Fprintf(sb, "master_last_io_seconds_ago:%d\r\n", masterLastIOSecondsAgo)
		fmt.Fprintf(sb, "master_sync_in_progress:%d\r\n", masterSyncInProgress)
		fmt.Fprintf(sb, "slave_repl_offset:%d\r\n", slaveReplOffset)
		fmt.Fprintf(sb, "slave_priority:%d\r\n", slavePriority)
		fmt.Fprintf(sb, "slave_read_only:%d\r\n", slaveReadOnly)
	}
}

func (m *Manager) getReplInfoDetail(sb *strings.Builder, showAll bool) {
	// only the laggiest store and slave are displayed
	showAll = false

	m.mu.Lock()
	defer m.mu.Unlock()

	minLastSyncTime := time.Unix(math.MaxInt32, 0)
	var masterInfo strings.Builder
	for i := range m.syncMeta {
		lastSyncTime := m.syncStatus[i].lastSyncTime
		now := time.Now()
		if lastSyncTime.Before(minLastSyncTime) || showAll {
			minLastSyncTime = lastSyncTime
			if !showAll {
				masterInfo.Reset()
			}
			fmt.Fprintf(&masterInfo, "master:ip=%s,port=%d,sync_from_id=%d,binlog_id=%d,repl_state=%d",
				m.syncMeta[i].SyncFromHost, m.syncMeta[i].SyncFromPort,
				m.syncMeta[i].SyncFromID, m.syncMeta[i].BinlogID, uint8(m.syncMeta[i].ReplState))
			fmt.Fprintf(&masterInfo, ",last_sync_time=%d,sync_time_lag=%d\r\n",
				lastSyncTime.UnixMilli(), now.Sub(lastSyncTime)/time.Millisecond)
		}
	}
	sb.WriteString(masterInfo.String())

	maxBinlogLag := int64(math.MinInt64)
	var slaveInfo strings.Builder
	for i := range m.pushStatus {
		h, err := m.segMgr.GetDB(nil, uint32(i), storage.LockNone)
		if err != nil {
			return
		}
		highest := h.Store.HighestBinlogID()
		h.Close()

		clientNum := 0
		for _, mpov := range m.pushStatus[i] {
			lag := int64(highest) - int64(mpov.binlogPos)
			if lag > maxBinlogLag || showAll {
				maxBinlogLag = lag
				if !showAll {
					slaveInfo.Reset()
				}
				running := 0
				if mpov.isRunning {
					running = 1
				}
				fmt.Fprintf(&slaveInfo, "slave%d:clientid=%d,is_running=%d,dest_store_id=%d,binlog_pos=%d,binlog_lag=%d",
					clientNum, mpov.clientID, running, mpov.dstStoreID, mpov.binlogPos, lag)
				fmt.Fprintf(&slaveInfo, ",remote_host=%s,remote_port=%d\r\n",
					mpov.slaveListenIP, mpov.slaveListenPort)
			}
			clientNum++
		}
	}
	sb.WriteString(slaveInfo.String())
}

// JSONStat returns the per-store replication stat keyed by store id.
func (m *Manager) JSONStat() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pushStatus) != len(m.syncMeta) || len(m.syncStatus) != len(m.syncMeta) {
		return nil, newError(CodeInternal, "pov size mismatch")
	}

	incrPaused := uint64(0)
	if m.incrPaused {
		incrPaused = 1
	}

	stat := make(map[string]interface{}, len(m.syncMeta))
	for i := range m.syncMeta {
		dest := make(map[string]interface{}, len(m.pushStatus[i]))
		for _, mpov := range m.pushStatus[i] {
			running := uint64(0)
			if mpov.isRunning {
				running = 1
			}
			remote := "???"
			if mpov.client != nil {
				remote = mpov.client.RemoteRepr()
			}
			dest[fmt.Sprintf("client_%d", mpov.clientID)] = map[string]interface{}{
				"is_running":    running,
				"dest_store_id": mpov.dstStoreID,
				"binlog_pos":    mpov.binlogPos,
				"remote_host":   remote,
			}
		}
		stat[fmt.Sprintf("%d", i)] = map[string]interface{}{
			"first_binlog": m.logRecycStatus[i].firstBinlogID,
			"timestamp":    m.logRecycStatus[i].timestamp,
			"incr_paused":  incrPaused,
			"sync_dest":    dest,
			"sync_source": fmt.Sprintf("%s:%d:%d",
				m.syncMeta[i].SyncFromHost, m.syncMeta[i].SyncFromPort, m.syncMeta[i].SyncFromID),
			"binlog_id":      m.syncMeta[i].BinlogID,
			"repl_state":     uint8(m.syncMeta[i].ReplState),
			"last_sync_time": m.syncStatus[i].lastSyncTime.Format(time.RFC3339),
		}
	}
	return json.Marshal(stat)
}
