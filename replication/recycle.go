package replication

import (
	"fmt"
	"io"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/wanghenshui/Tendis/storage"
	"github.com/wanghenshui/Tendis/utils/log"
)

// maxDumpFileBytes is the rotation threshold of one archive file.
const maxDumpFileBytes = 128 * 1024 * 1024

// maxDumpFileSeq scans the store's dump directory and returns the highest
// archive file sequence found, 0 when the directory holds none. Filenames
// follow binlog-<storeId>-<fileSeq>-<ts>.<ext>; anything else is logged and
// ignored.
func (m *Manager) maxDumpFileSeq(storeID uint32) (uint32, error) {
	subpath := filepath.Join(m.dumpPath, fmt.Sprintf("%d", storeID))
	if err := os.Mkdir(m.dumpPath, 0o755); err != nil && !os.IsExist(err) {
		log.Error("create dir:%s failed reason:%v", m.dumpPath, err)
		return 0, newError(CodeInternal, "create dir %s: %v", m.dumpPath, err)
	}
	if err := os.Mkdir(subpath, 0o755); err != nil && !os.IsExist(err) {
		log.Error("create dir:%s failed reason:%v", subpath, err)
		return 0, newError(CodeInternal, "create dir %s: %v", subpath, err)
	}

	maxFno := uint32(0)
	err := filepath.WalkDir(subpath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			if path != subpath {
				log.Info("maxDumpFileSeq ignore:%s", path)
			}
			return nil
		}
		relative, err := filepath.Rel(subpath, path)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(relative, "binlog") {
			log.Info("maxDumpFileSeq ignore:%s", relative)
			return nil
		}
		fields := strings.Split(relative, "-")
		if len(fields) < 4 {
			log.Info("maxDumpFileSeq ignore:%s", relative)
			return nil
		}
		fno, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			log.Error("parse fileno:%s failed:%v", relative, err)
			return nil
		}
		if fno >= math.MaxUint32 {
			log.Error("invalid fileno:%d", fno)
			return newError(CodeInternal, "invalid fileno")
		}
		if uint32(fno) > maxFno {
			maxFno = uint32(fno)
		}
		return nil
	})
	if err != nil {
		log.Error("store:%d get fileno failed:%v", storeID, err)
		if e, ok := err.(*Error); ok {
			return 0, e
		}
		return 0, newError(CodeInternal, "parse fileno failed")
	}
	return maxFno, nil
}

// getCurBinlogFs returns the archive file currently being appended to,
// opening the next one in the sequence when none is open. Caller holds the
// store's recycle mutex.
func (m *Manager) getCurBinlogFs(storeID uint32) *os.File {
	v := m.logRecycStatus[storeID]
	if v.curFile != nil {
		return v.curFile
	}
	dir := filepath.Join(m.dumpPath, fmt.Sprintf("%d", storeID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("create dump dir:%s failed:%v", dir, err)
		return nil
	}
	v.fileSeq++
	name := fmt.Sprintf("binlog-%d-%d-%d.dump", storeID, v.fileSeq, time.Now().UnixMilli())
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Error("open dump file:%s failed:%v", name, err)
		return nil
	}
	v.curFile = f
	v.curFileSize = 0
	log.Info("store:%d new binlog dump file:%s", storeID, name)
	return f
}

// updateCurBinlogFs accounts freshly archived bytes and rotates the file
// when the threshold is crossed or a flush forces it. Caller holds the
// store's recycle mutex.
func (m *Manager) updateCurBinlogFs(storeID uint32, written, timestamp uint64, forceRotate bool) {
	v := m.logRecycStatus[storeID]
	v.curFileSize += written
	if timestamp != 0 {
		v.timestamp = timestamp
	}
	if v.curFile == nil {
		return
	}
	if v.curFileSize >= maxDumpFileBytes || forceRotate {
		if err := v.curFile.Sync(); err != nil {
			log.Error("sync dump file of store:%d failed:%v", storeID, err)
		}
		if err := v.curFile.Close(); err != nil {
			log.Error("close dump file of store:%d failed:%v", storeID, err)
		}
		log.Info("store:%d rotate binlog dump file seq:%d size:%s",
			storeID, v.fileSeq, bytefmt.ByteSize(v.curFileSize))
		v.curFile = nil
		v.curFileSize = 0
	}
}

// OnFlush is called by the storage layer when a user-level flush renders
// prior binlog records moot.
func (m *Manager) OnFlush(storeID uint32, binlogID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logRecycStatus[storeID].lastFlushBinlogID = binlogID
	log.Info("replManager onFlush, storeId:%d binlogid:%d", storeID, binlogID)
}

// FlushCurBinlogFs finalizes the store's current archive file.
func (m *Manager) FlushCurBinlogFs(storeID uint32) {
	m.logRecycMutex[storeID].Lock()
	defer m.logRecycMutex[storeID].Unlock()
	m.updateCurBinlogFs(storeID, 0, 0, true)
}

// resetRecycleState rewinds the store's recycle bookkeeping to "retain from
// the beginning", as after a flushdb dropped the binlog.
func (m *Manager) resetRecycleState(storeID uint32) {
	m.logRecycMutex[storeID].Lock()
	defer m.logRecycMutex[storeID].Unlock()
	m.logRecycStatus[storeID].firstBinlogID = storage.MinValidTxnID
	m.logRecycStatus[storeID].timestamp = 0
	m.logRecycStatus[storeID].lastFlushBinlogID = storage.TxnIDUninited
}

// recycleBinlog truncates one store's binlog below the lowest position any
// live replication target still needs, archiving the removed records when
// the store must keep history.
func (m *Manager) recycleBinlog(storeID uint32) {
	randRatio := 0.80 + float64(rand.Intn(40))/100.0 // 0.80 to 1.20
	interval := time.Duration(float64(m.cfg.TruncateBinlogIntervalMs)*randRatio) * time.Millisecond
	nextSched := time.Now().Add(interval)

	var start, end uint64
	var saveLogs bool

	hasError := false
	defer func() {
		m.mu.Lock()
		v := m.logRecycStatus[storeID]
		if !v.isRunning {
			log.Fatal("recycle job for store:%d not marked running", storeID)
		}
		v.isRunning = false
		// nextSchedTime may be parked at the maximum
		if v.nextSchedTime.Before(nextSched) {
			v.nextSchedTime = nextSched
		}
		// after a failure the next run recomputes the lower bound from the
		// store itself
		if hasError {
			v.firstBinlogID = storage.TxnIDUninited
		} else {
			v.firstBinlogID = start
			metricFirstBinlogID.WithLabelValues(fmt.Sprintf("%d", storeID)).Set(float64(start))
		}
		log.Debug("logRecycStatus[%d].firstBinlogId reset:%d", storeID, start)
		m.mu.Unlock()
	}()

	sess := &storage.Session{}
	h, err := m.segMgr.GetDB(sess, storeID, storage.LockIX)
	if err != nil {
		log.Error("recycleBinlog getDb failed:%v", err)
		hasError = true
		return
	}
	defer h.Close()
	store := h.Store

	m.mu.Lock()
	start = m.logRecycStatus[storeID].firstBinlogID
	m.mu.Unlock()

	if !store.IsRunning() {
		log.Warn("dont need do recycleBinlog, kvstore is not running:%d", storeID)
		nextSched = time.Now().Add(time.Second)
		return
	}

	m.mu.Lock()
	saveLogs = m.syncMeta[storeID].SyncFromHost != "" // a slave always archives
	if m.syncMeta[storeID].SyncFromHost == "" && len(m.pushStatus[storeID]) == 0 {
		// a master with no subscribers archives too, so a future
		// subscriber can catch up
		saveLogs = true
	}
	start = m.logRecycStatus[storeID].firstBinlogID
	end = uint64(math.MaxUint64)
	for _, mpov := range m.fullPushStatus[storeID] {
		if mpov.binlogPos < end {
			end = mpov.binlogPos
		}
	}
	for _, mpov := range m.pushStatus[storeID] {
		if mpov.binlogPos < end {
			end = mpov.binlogPos
		}
	}
	m.mu.Unlock()

	if start == storage.TxnIDUninited {
		// lower bound unknown, recompute from the store
		rec, err := store.MinBinlog()
		switch {
		case err == nil:
			start = rec.ID
		case err == storage.ErrExhaust:
			start = storage.MinValidTxnID
		default:
			log.Error("recycleBinlog get min binlog store:%d failed:%v", storeID, err)
			hasError = true
			return
		}
	}

	txn, err := store.CreateTransaction(sess)
	if err != nil {
		log.Error("recycleBinlog create txn failed:%v", err)
		hasError = true
		return
	}

	newStart, ok := m.truncateWithArchive(storeID, store, txn, start, end, saveLogs)
	if !ok {
		hasError = true
		return
	}

	if err := txn.Commit(); err != nil {
		log.Error("truncate binlog store:%d commit failed:%v", storeID, err)
		hasError = true
		return
	}
	log.Debug("storeid:%d truncate binlog from:%d to end:%d success.addr:%s:%d",
		storeID, start, newStart, m.netw.IP(), m.netw.Port())
	start = newStart
}

// truncateWithArchive runs the truncation under the store's recycle mutex,
// streaming removed records to the current archive file when saveLogs.
func (m *Manager) truncateWithArchive(storeID uint32, store storage.KVStore,
	txn storage.Transaction, start, end uint64, saveLogs bool,
) (uint64, bool) {
	m.logRecycMutex[storeID].Lock()
	defer m.logRecycMutex[storeID].Unlock()

	var sink io.Writer
	if saveLogs {
		fs := m.getCurBinlogFs(storeID)
		if fs == nil {
			log.Error("getCurBinlogFs() store:%d failed", storeID)
			return 0, false
		}
		sink = fs
	}

	res, err := store.TruncateBinlogV2(start, end, txn, sink)
	if err != nil {
		log.Error("kvstore truncateBinlogV2 store:%d failed:%v", storeID, err)
		return 0, false
	}
	m.updateCurBinlogFs(storeID, res.Written, res.Timestamp, false)
	return res.NewStart, true
}
