package replication

import (
	"fmt"
	"testing"
	"time"

	"github.com/buger/jsonparser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanghenshui/Tendis/storage"
)

func TestReplInfoMasterWithSubscribers(t *testing.T) {
	env := newTestEnv(t, 2)
	env.startup(t)
	require.NoError(t, env.mgr.StopStore(0))

	var ids []uint64
	for i := 0; i < 10; i++ {
		ids = append(ids, env.stores[0].Put(fmt.Sprintf("k%d", i), []byte("v")))
	}
	_, err := env.mgr.RegisterIncrSync(0, 0, ids[3], nil, "10.0.0.8", 6380)
	require.NoError(t, err)
	require.NoError(t, env.mgr.StopStore(0))

	info := env.mgr.ReplInfo(false)
	assert.Contains(t, info, "role:master\r\n")
	// connected_slaves reflects the last store inspected
	assert.Contains(t, info, "connected_slaves:0\r\n")
	assert.Contains(t, info, fmt.Sprintf("binlog_pos=%d", ids[3]))
	assert.Contains(t, info, fmt.Sprintf("binlog_lag=%d", ids[9]-ids[3]))
	assert.Contains(t, info, "remote_host=10.0.0.8")
}

func TestReplInfoSlaveSection(t *testing.T) {
	env := newTestEnv(t, 2)
	port := deadPort(t)
	env.startup(t)

	require.NoError(t, env.mgr.ChangeReplSource(nil, 1, "127.0.0.1", port, 1))

	info := env.mgr.ReplInfo(false)
	assert.Contains(t, info, "role:slave\r\n")
	assert.Contains(t, info, "master_host:127.0.0.1\r\n")
	assert.Contains(t, info, fmt.Sprintf("master_port:%d\r\n", port))
	assert.Contains(t, info, "master_link_status:up\r\n")
	assert.Contains(t, info, "slave_read_only:1\r\n")
}

func TestJSONStat(t *testing.T) {
	env := newTestEnv(t, 4)
	env.startup(t)
	require.NoError(t, env.mgr.StopStore(3))

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, env.stores[3].Put(fmt.Sprintf("k%d", i), []byte("v")))
	}
	clientID, err := env.mgr.RegisterIncrSync(3, 3, ids[2], nil, "10.0.0.8", 6380)
	require.NoError(t, err)
	require.NoError(t, env.mgr.StopStore(3))

	data, err := env.mgr.JSONStat()
	require.NoError(t, err)

	// every store appears, keyed by id
	for i := 0; i < 4; i++ {
		_, _, _, err := jsonparser.Get(data, fmt.Sprintf("%d", i))
		require.NoError(t, err)
	}

	pos, err := jsonparser.GetInt(data, "3", "sync_dest", fmt.Sprintf("client_%d", clientID), "binlog_pos")
	require.NoError(t, err)
	assert.Equal(t, int64(ids[2]), pos)

	remote, err := jsonparser.GetString(data, "3", "sync_dest", fmt.Sprintf("client_%d", clientID), "remote_host")
	require.NoError(t, err)
	assert.Equal(t, "???", remote)

	src, err := jsonparser.GetString(data, "0", "sync_source")
	require.NoError(t, err)
	assert.Equal(t, ":0:0", src)

	paused, err := jsonparser.GetInt(data, "0", "incr_paused")
	require.NoError(t, err)
	assert.Equal(t, int64(0), paused)

	env.mgr.SetIncrPaused(true)
	data, err = env.mgr.JSONStat()
	require.NoError(t, err)
	paused, err = jsonparser.GetInt(data, "0", "incr_paused")
	require.NoError(t, err)
	assert.Equal(t, int64(1), paused)
	assert.True(t, env.mgr.IncrPaused())
	env.mgr.SetIncrPaused(false)
}

func TestJSONStatFirstBinlog(t *testing.T) {
	env := newTestEnv(t, 1)
	env.startup(t)

	waitUntil(t, 2*time.Second, func() bool {
		env.mgr.mu.Lock()
		defer env.mgr.mu.Unlock()
		return !env.mgr.logRecycStatus[0].isRunning
	}, "initial recycle to settle")

	data, err := env.mgr.JSONStat()
	require.NoError(t, err)
	first, err := jsonparser.GetInt(data, "0", "first_binlog")
	require.NoError(t, err)
	assert.Equal(t, int64(storage.MinValidTxnID), first)
}
