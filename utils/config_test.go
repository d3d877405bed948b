package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("root_directory: /tmp/tendis\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tendis", cfg.RootDirectory)
	assert.Equal(t, uint32(10), cfg.KVStoreCount)
	assert.Equal(t, "/tmp/tendis/dump", cfg.DumpPath)
	assert.Equal(t, uint32(64), cfg.BinlogRateLimitMB)
	assert.Equal(t, 4, cfg.IncrPushThreadnum)
	assert.Equal(t, 2, cfg.FullPushThreadnum)
	assert.Equal(t, 2, cfg.FullReceiveThreadnum)
	assert.Equal(t, 4, cfg.LogRecycleThreadnum)
	assert.Equal(t, uint32(1000), cfg.TruncateBinlogIntervalMs)
	assert.Equal(t, "127.0.0.1", cfg.ListenHost)
	assert.Equal(t, uint16(8475), cfg.ListenPort)
	assert.Equal(t, "", cfg.MasterAuth)
}

func TestParseConfigValues(t *testing.T) {
	data := []byte(`
root_directory: /data/tendis
listen_host: 0.0.0.0
listen_port: 6379
kvstore_count: 4
dump_path: /data/dump
masterauth: sekrit
binlog_rate_limit_mb: 16
incr_push_threadnum: 8
full_push_threadnum: 3
full_receive_threadnum: 5
log_recycle_threadnum: 6
truncate_binlog_interval_ms: 200
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, uint32(4), cfg.KVStoreCount)
	assert.Equal(t, "/data/dump", cfg.DumpPath)
	assert.Equal(t, "sekrit", cfg.MasterAuth)
	assert.Equal(t, uint32(16), cfg.BinlogRateLimitMB)
	assert.Equal(t, 8, cfg.IncrPushThreadnum)
	assert.Equal(t, 3, cfg.FullPushThreadnum)
	assert.Equal(t, 5, cfg.FullReceiveThreadnum)
	assert.Equal(t, 6, cfg.LogRecycleThreadnum)
	assert.Equal(t, uint32(200), cfg.TruncateBinlogIntervalMs)
	assert.Equal(t, uint16(6379), cfg.ListenPort)
}

func TestParseConfigMissingRoot(t *testing.T) {
	_, err := ParseConfig([]byte("listen_port: 6379\n"))
	assert.Error(t, err)
}

func TestParseConfigBadYAML(t *testing.T) {
	_, err := ParseConfig([]byte("root_directory: [unterminated\n"))
	assert.Error(t, err)
}
