package replication

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/wanghenshui/Tendis/catalog"
	"github.com/wanghenshui/Tendis/network"
	"github.com/wanghenshui/Tendis/storage"
	"github.com/wanghenshui/Tendis/utils"
	"github.com/wanghenshui/Tendis/utils/log"
	"github.com/wanghenshui/Tendis/utils/pool"
)

// schedTimeMax parks a scheduling slot: a slot whose nextSchedTime equals it
// is never dispatched.
var schedTimeMax = time.Unix(1<<48, 0)

const (
	incrCheckThreadnum = 2

	blockingClientBufferBytes = 64 * 1024 * 1024
)

// sPovStatus is the slave-side runtime state of one store.
type sPovStatus struct {
	isRunning     bool
	sessionID     uint64
	nextSchedTime time.Time
	lastSyncTime  time.Time
}

// mPovStatus is the master-side push state of one attached subscriber.
type mPovStatus struct {
	isRunning       bool
	clientID        uint64
	dstStoreID      uint32
	binlogPos       uint64
	nextSchedTime   time.Time
	client          *network.BlockingClient
	slaveListenIP   string
	slaveListenPort uint16
}

type fullPushState int

const (
	fullPushRunning fullPushState = iota
	fullPushSuccess
	fullPushFailed
)

func (s fullPushState) String() string {
	switch s {
	case fullPushRunning:
		return "running"
	case fullPushSuccess:
		return "success"
	case fullPushFailed:
		return "failed"
	}
	return "unknown"
}

// mPovFullPushStatus tracks one in-flight or recently finished full push to a
// subscriber node.
type mPovFullPushStatus struct {
	state     fullPushState
	binlogPos uint64
	startTime time.Time
	endTime   time.Time
}

// recycleBinlogStatus is the binlog-recycle bookkeeping of one store. The
// scheduling fields (isRunning, nextSchedTime) are guarded by the central
// mutex; the archive-file fields are guarded by the per-store recycle mutex.
type recycleBinlogStatus struct {
	isRunning         bool
	nextSchedTime     time.Time
	firstBinlogID     uint64
	lastFlushBinlogID uint64
	fileSeq           uint32
	timestamp         uint64
	curFile           *os.File
	curFileSize       uint64
}

// Manager drives asynchronous binlog replication for every store of the node
// and reclaims binlog space once it is safe to do so.
type Manager struct {
	// mu is the central mutex guarding all scheduling state below.
	mu         sync.Mutex
	syncIdleCh chan struct{} // closed and replaced whenever a slave slot goes idle

	cfg     *utils.Config
	catalog catalog.Catalog
	segMgr  storage.SegmentMgr
	netw    *network.Server

	rateLimiter  *rate.Limiter
	syncDelegate SyncDelegate
	dumpPath     string

	running     atomic.Bool
	controller  sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	incrPaused  bool
	clientIDGen uint64

	connectMasterTimeoutMs uint64

	syncMeta       []*catalog.StoreMeta
	syncStatus     []*sPovStatus
	pushStatus     []map[uint64]*mPovStatus
	fullPushStatus []map[string]*mPovFullPushStatus
	logRecycStatus []*recycleBinlogStatus
	logRecycMutex  []*sync.Mutex

	fullPushMatrix    *pool.Matrix
	incrPushMatrix    *pool.Matrix
	fullReceiveMatrix *pool.Matrix
	incrCheckMatrix   *pool.Matrix
	logRecycleMatrix  *pool.Matrix

	fullPusher   *pool.WorkerPool
	incrPusher   *pool.WorkerPool
	fullReceiver *pool.WorkerPool
	incrChecker  *pool.WorkerPool
	logRecycler  *pool.WorkerPool
}

func NewManager(cfg *utils.Config, cat catalog.Catalog, segMgr storage.SegmentMgr, netw *network.Server) *Manager {
	limit := float64(cfg.BinlogRateLimitMB) * 1024 * 1024
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		syncIdleCh:             make(chan struct{}),
		cfg:                    cfg,
		catalog:                cat,
		segMgr:                 segMgr,
		netw:                   netw,
		rateLimiter:            rate.NewLimiter(rate.Limit(limit), int(limit)),
		dumpPath:               cfg.DumpPath,
		ctx:                    ctx,
		cancel:                 cancel,
		connectMasterTimeoutMs: 1000,
		fullPushMatrix:         &pool.Matrix{},
		incrPushMatrix:         &pool.Matrix{},
		fullReceiveMatrix:      &pool.Matrix{},
		incrCheckMatrix:        &pool.Matrix{},
		logRecycleMatrix:       &pool.Matrix{},
	}
	m.syncDelegate = &lineSyncDelegate{}
	return m
}

// SetSyncDelegate overrides the full-sync/incr-check protocol body. Must be
// called before Startup.
func (m *Manager) SetSyncDelegate(d SyncDelegate) {
	m.syncDelegate = d
}

// Startup loads per-store metadata, starts the worker pools, seeds runtime
// state from the stores and launches the controller. No job is dispatched
// before it returns.
func (m *Manager) Startup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	storeCount := m.segMgr.StoreCount()

	for i := uint32(0); i < storeCount; i++ {
		meta, err := m.catalog.GetStoreMeta(i)
		if err == nil {
			m.syncMeta = append(m.syncMeta, meta)
			continue
		}
		if !catalog.IsNotFound(err) {
			return err
		}
		meta = catalog.NewStoreMeta(i)
		if err := m.catalog.SetStoreMeta(meta); err != nil {
			return err
		}
		m.syncMeta = append(m.syncMeta, meta)
	}

	for i := range m.syncMeta {
		if uint32(i) != m.syncMeta[i].ID {
			return newError(CodeInternal, "meta:%d has id:%d", i, m.syncMeta[i].ID)
		}
	}

	m.incrPusher = pool.NewWorkerPool("repl-minc", m.incrPushMatrix)
	if err := m.incrPusher.Startup(m.cfg.IncrPushThreadnum); err != nil {
		return err
	}
	m.fullPusher = pool.NewWorkerPool("repl-mfull", m.fullPushMatrix)
	if err := m.fullPusher.Startup(m.cfg.FullPushThreadnum); err != nil {
		return err
	}
	m.fullReceiver = pool.NewWorkerPool("repl-sfull", m.fullReceiveMatrix)
	if err := m.fullReceiver.Startup(m.cfg.FullReceiveThreadnum); err != nil {
		return err
	}
	m.incrChecker = pool.NewWorkerPool("repl-scheck", m.incrCheckMatrix)
	if err := m.incrChecker.Startup(incrCheckThreadnum); err != nil {
		return err
	}
	m.logRecycler = pool.NewWorkerPool("log-recyc", m.logRecycleMatrix)
	if err := m.logRecycler.Startup(m.cfg.LogRecycleThreadnum); err != nil {
		return err
	}

	for i := uint32(0); i < storeCount; i++ {
		// startup runs before any session exists, no store lock is taken
		h, err := m.segMgr.GetDB(nil, i, storage.LockNone)
		if err != nil {
			return err
		}
		store := h.Store
		h.Close()

		isOpen := store.IsOpen()
		tp := time.Now()
		fileSeq := uint32(math.MaxUint32)

		if !isOpen {
			log.Info("store:%d is not opened", i)
			// parked until the store is reopened
			tp = schedTimeMax
		}

		m.syncStatus = append(m.syncStatus, &sPovStatus{
			isRunning:     false,
			sessionID:     network.InvalidSessionID,
			nextSchedTime: tp,
			lastSyncTime:  tp,
		})
		m.pushStatus = append(m.pushStatus, make(map[uint64]*mPovStatus))
		m.fullPushStatus = append(m.fullPushStatus, make(map[string]*mPovFullPushStatus))

		if isOpen {
			if m.syncMeta[i].SyncFromHost == "" {
				if err := store.SetMode(storage.ReadWrite); err != nil {
					return err
				}
			} else {
				if err := store.SetMode(storage.ReplicateOnly); err != nil {
					return err
				}
				// a slave's durable binlog position, not the cached meta,
				// is the source of truth
				m.syncMeta[i].BinlogID = store.HighestBinlogID()
			}

			seq, err := m.maxDumpFileSeq(i)
			if err != nil {
				return err
			}
			fileSeq = seq
		}

		recStat := &recycleBinlogStatus{
			isRunning:         false,
			nextSchedTime:     tp,
			firstBinlogID:     storage.TxnIDUninited,
			lastFlushBinlogID: storage.TxnIDUninited,
			fileSeq:           fileSeq,
		}

		if isOpen {
			rec, err := store.MinBinlog()
			switch {
			case err == nil:
				recStat.firstBinlogID = rec.ID
				recStat.timestamp = rec.Timestamp
				recStat.lastFlushBinlogID = storage.TxnIDUninited
			case err == storage.ErrExhaust:
				recStat.firstBinlogID = storage.MinValidTxnID
				recStat.timestamp = 0
				recStat.lastFlushBinlogID = storage.TxnIDUninited
			default:
				return err
			}
		}
		m.logRecycStatus = append(m.logRecycStatus, recStat)
		log.Info("store:%d,firstBinlogId:%d,timestamp:%d",
			i, recStat.firstBinlogID, recStat.timestamp)

		m.logRecycMutex = append(m.logRecycMutex, &sync.Mutex{})
	}

	if len(m.logRecycStatus) != int(storeCount) {
		log.Fatal("recycle status size %d != store count %d", len(m.logRecycStatus), storeCount)
	}

	m.running.Store(true)
	m.controller.Add(1)
	go m.controlRoutine()

	return nil
}

// StopStore disables scheduling for every slot of the store. In-flight jobs
// finish and find their slot parked.
func (m *Manager) StopStore(storeID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(storeID) >= len(m.syncStatus) {
		log.Fatal("stopStore: invalid storeId %d", storeID)
	}

	m.syncStatus[storeID].nextSchedTime = schedTimeMax
	m.logRecycStatus[storeID].nextSchedTime = schedTimeMax
	for _, mpov := range m.pushStatus[storeID] {
		mpov.nextSchedTime = schedTimeMax
	}
	m.fullPushStatus[storeID] = make(map[string]*mPovFullPushStatus)

	return nil
}

// Stop joins the controller, then stops every pool. Pools are fully stopped
// before the manager may be dropped.
func (m *Manager) Stop() {
	log.Warn("repl manager begins stops...")
	m.running.Store(false)
	m.cancel()
	m.controller.Wait()

	m.fullPusher.Stop()
	m.incrPusher.Stop()
	m.fullReceiver.Stop()
	m.incrChecker.Stop()
	m.logRecycler.Stop()

	log.Warn("repl manager stops succ")
}

// IncrPaused reports whether incremental pushes are paused node-wide.
func (m *Manager) IncrPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrPaused
}

func (m *Manager) SetIncrPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrPaused = paused
}

// changeReplStateInLock persists (when asked) and installs new meta for a
// store. The central mutex must be held. A catalog write failure here would
// leave durable and cached state diverging, which cannot be tolerated.
func (m *Manager) changeReplStateInLock(meta *catalog.StoreMeta, persist bool) {
	old := m.syncMeta[meta.ID]
	if old.ReplState != meta.ReplState && !catalog.CanTransition(old.ReplState, meta.ReplState) {
		log.Fatal("store:%d illegal repl state change %s -> %s",
			meta.ID, old.ReplState, meta.ReplState)
	}
	if persist {
		if err := m.catalog.SetStoreMeta(meta); err != nil {
			log.Fatal("setStoreMeta failed:%v", err)
		}
	}
	m.syncMeta[meta.ID] = meta.Copy()
}

func (m *Manager) changeReplState(meta *catalog.StoreMeta, persist bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeReplStateInLock(meta, persist)
}

// notifySyncIdleInLock wakes every waiter of a slave slot going idle.
func (m *Manager) notifySyncIdleInLock() {
	close(m.syncIdleCh)
	m.syncIdleCh = make(chan struct{})
}
