package replication

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanghenshui/Tendis/storage"
)

// parkRecycle waits out any in-flight recycle job of the store and parks its
// slot so the controller stays out of the way of a direct run.
func parkRecycle(t *testing.T, env *testEnv, storeID uint32) {
	t.Helper()
	require.NoError(t, env.mgr.StopStore(storeID))
	waitUntil(t, 2*time.Second, func() bool {
		env.mgr.mu.Lock()
		defer env.mgr.mu.Unlock()
		return !env.mgr.logRecycStatus[storeID].isRunning
	}, "recycle slot to drain")
}

// runRecycle drives one recycle job the way the controller would.
func runRecycle(env *testEnv, storeID uint32) {
	env.mgr.mu.Lock()
	env.mgr.logRecycStatus[storeID].isRunning = true
	env.mgr.mu.Unlock()
	env.mgr.recycleBinlog(storeID)
}

func firstBinlogID(env *testEnv, storeID uint32) uint64 {
	env.mgr.mu.Lock()
	defer env.mgr.mu.Unlock()
	return env.mgr.logRecycStatus[storeID].firstBinlogID
}

func TestRecycleRespectsSlowestSubscriber(t *testing.T) {
	env := newTestEnv(t, 4)
	env.startup(t)
	parkRecycle(t, env, 3)

	var ids []uint64
	for i := 0; i < 30; i++ {
		ids = append(ids, env.stores[3].Put(fmt.Sprintf("k%d", i), []byte("v")))
	}

	slowID, err := env.mgr.RegisterIncrSync(3, 3, ids[8], nil, "10.0.0.8", 6380)
	require.NoError(t, err)
	_, err = env.mgr.RegisterIncrSync(3, 3, ids[18], nil, "10.0.0.9", 6380)
	require.NoError(t, err)
	// StopStore parked the push slots; entries stay for the recycle bound
	require.NoError(t, env.mgr.StopStore(3))

	runRecycle(env, 3)

	// the slowest subscriber caps the truncation
	assert.Equal(t, ids[8], firstBinlogID(env, 3))
	rec, err := env.stores[3].MinBinlog()
	require.NoError(t, err)
	assert.Equal(t, ids[8], rec.ID)

	// monotonic across runs with unchanged bounds
	runRecycle(env, 3)
	assert.Equal(t, ids[8], firstBinlogID(env, 3))

	// the slow subscriber advances, the next run follows
	env.mgr.mu.Lock()
	env.mgr.pushStatus[3][slowID].binlogPos = ids[18]
	env.mgr.mu.Unlock()
	runRecycle(env, 3)
	assert.Equal(t, ids[18], firstBinlogID(env, 3))
}

func TestRecycleFailureResetsFirstBinlogID(t *testing.T) {
	env := newTestEnv(t, 2)
	env.startup(t)
	parkRecycle(t, env, 1)

	var ids []uint64
	for i := 0; i < 10; i++ {
		ids = append(ids, env.stores[1].Put(fmt.Sprintf("k%d", i), []byte("v")))
	}
	_, err := env.mgr.RegisterIncrSync(1, 1, ids[4], nil, "10.0.0.8", 6380)
	require.NoError(t, err)
	require.NoError(t, env.mgr.StopStore(1))

	env.stores[1].FailNextCommit(errors.New("commit refused"))
	runRecycle(env, 1)
	assert.Equal(t, storage.TxnIDUninited, firstBinlogID(env, 1))

	// the store still holds everything, the next run recomputes and succeeds
	rec, err := env.stores[1].MinBinlog()
	require.NoError(t, err)
	assert.Equal(t, ids[0], rec.ID)

	runRecycle(env, 1)
	assert.Equal(t, ids[4], firstBinlogID(env, 1))
}

func TestRecycleMasterWithoutSubscribersArchives(t *testing.T) {
	env := newTestEnv(t, 2)
	env.startup(t)
	parkRecycle(t, env, 0)

	for i := 0; i < 10; i++ {
		env.stores[0].Put(fmt.Sprintf("k%d", i), []byte("value-payload"))
	}

	runRecycle(env, 0)

	// everything except the newest record was truncated and archived
	highest := env.stores[0].HighestBinlogID()
	assert.Equal(t, highest, firstBinlogID(env, 0))

	env.mgr.FlushCurBinlogFs(0)

	dumpDir := filepath.Join(env.cfg.DumpPath, "0")
	entries, err := os.ReadDir(dumpDir)
	require.NoError(t, err)
	var archived int64
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		archived += info.Size()
	}
	assert.Greater(t, archived, int64(0))
}

func TestRecycleSlaveArchives(t *testing.T) {
	port := deadPort(t)
	env := newTestEnv(t, 2, func(e *testEnv) {
		for i := 0; i < 10; i++ {
			e.stores[1].Put(fmt.Sprintf("k%d", i), []byte("v"))
		}
		meta := e.newSlaveMeta(1, port)
		require.NoError(t, e.cat.SetStoreMeta(meta))
	})
	env.startup(t)
	parkRecycle(t, env, 1)

	env.mgr.mu.Lock()
	saveLogs := env.mgr.syncMeta[1].SyncFromHost != ""
	env.mgr.mu.Unlock()
	assert.True(t, saveLogs)

	runRecycle(env, 1)
	env.mgr.FlushCurBinlogFs(1)

	entries, err := os.ReadDir(filepath.Join(env.cfg.DumpPath, "1"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestRecycleNotRunningStoreDefers(t *testing.T) {
	env := newTestEnv(t, 2)
	env.startup(t)
	parkRecycle(t, env, 0)

	before := firstBinlogID(env, 0)
	env.stores[0].SetRunning(false)
	runRecycle(env, 0)
	env.stores[0].SetRunning(true)

	// deferred, not failed: the cursor is untouched
	assert.Equal(t, before, firstBinlogID(env, 0))
}

func TestStartupSeedsFileSeq(t *testing.T) {
	env := newTestEnv(t, 2, func(e *testEnv) {
		dir := filepath.Join(e.cfg.DumpPath, "0")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for _, name := range []string{
			"binlog-0-3-111.dump",
			"binlog-0-7-222.dump",
			"README.txt", // logged and ignored
		} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
		}
	})
	env.startup(t)

	env.mgr.mu.Lock()
	seq := env.mgr.logRecycStatus[0].fileSeq
	env.mgr.mu.Unlock()
	assert.Equal(t, uint32(7), seq)

	// the next archive file continues strictly above the scanned maximum
	parkRecycle(t, env, 0)
	for i := 0; i < 5; i++ {
		env.stores[0].Put(fmt.Sprintf("k%d", i), []byte("v"))
	}
	runRecycle(env, 0)
	env.mgr.FlushCurBinlogFs(0)

	entries, err := os.ReadDir(filepath.Join(env.cfg.DumpPath, "0"))
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		var storeID, fileSeq, ts uint64
		if n, _ := fmt.Sscanf(e.Name(), "binlog-%d-%d-%d.dump", &storeID, &fileSeq, &ts); n == 3 && fileSeq == 8 {
			found = true
		}
	}
	assert.True(t, found, "expected an archive file with seq 8")
}

func TestMaxDumpFileSeqEmptyDir(t *testing.T) {
	env := newTestEnv(t, 1)
	env.startup(t)

	seq, err := env.mgr.maxDumpFileSeq(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)
}

func TestResetRecycleState(t *testing.T) {
	env := newTestEnv(t, 1)
	env.startup(t)

	env.mgr.OnFlush(0, 9)
	env.mgr.resetRecycleState(0)

	env.mgr.mu.Lock()
	defer env.mgr.mu.Unlock()
	v := env.mgr.logRecycStatus[0]
	assert.Equal(t, storage.MinValidTxnID, v.firstBinlogID)
	assert.Equal(t, uint64(0), v.timestamp)
	assert.Equal(t, storage.TxnIDUninited, v.lastFlushBinlogID)
}
