package utils

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/wanghenshui/Tendis/utils/log"
)

const (
	defaultKVStoreCount         = 10
	defaultBinlogRateLimitMB    = 64
	defaultIncrPushThreadnum    = 4
	defaultFullPushThreadnum    = 2
	defaultFullReceiveThreadnum = 2
	defaultLogRecycleThreadnum  = 4
	defaultTruncateIntervalMs   = 1000
	defaultListenHost           = "127.0.0.1"
	defaultListenPort           = 8475
)

// Config holds the node configuration parsed from the YAML config file.
type Config struct {
	RootDirectory string
	ListenHost    string
	ListenPort    uint16

	KVStoreCount uint32
	DumpPath     string
	MasterAuth   string

	BinlogRateLimitMB        uint32
	IncrPushThreadnum        int
	FullPushThreadnum        int
	FullReceiveThreadnum     int
	LogRecycleThreadnum      int
	TruncateBinlogIntervalMs uint32
}

// ParseConfig parses and validates YAML config data.
func ParseConfig(data []byte) (*Config, error) {
	var aux struct {
		RootDirectory            string `yaml:"root_directory"`
		ListenHost               string `yaml:"listen_host"`
		ListenPort               uint16 `yaml:"listen_port"`
		LogLevel                 string `yaml:"log_level"`
		LogFile                  string `yaml:"log_file"`
		KVStoreCount             uint32 `yaml:"kvstore_count"`
		DumpPath                 string `yaml:"dump_path"`
		MasterAuth               string `yaml:"masterauth"`
		BinlogRateLimitMB        uint32 `yaml:"binlog_rate_limit_mb"`
		IncrPushThreadnum        int    `yaml:"incr_push_threadnum"`
		FullPushThreadnum        int    `yaml:"full_push_threadnum"`
		FullReceiveThreadnum     int    `yaml:"full_receive_threadnum"`
		LogRecycleThreadnum      int    `yaml:"log_recycle_threadnum"`
		TruncateBinlogIntervalMs uint32 `yaml:"truncate_binlog_interval_ms"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}

	m := &Config{
		RootDirectory:            aux.RootDirectory,
		ListenHost:               aux.ListenHost,
		ListenPort:               aux.ListenPort,
		KVStoreCount:             aux.KVStoreCount,
		DumpPath:                 aux.DumpPath,
		MasterAuth:               aux.MasterAuth,
		BinlogRateLimitMB:        aux.BinlogRateLimitMB,
		IncrPushThreadnum:        aux.IncrPushThreadnum,
		FullPushThreadnum:        aux.FullPushThreadnum,
		FullReceiveThreadnum:     aux.FullReceiveThreadnum,
		LogRecycleThreadnum:      aux.LogRecycleThreadnum,
		TruncateBinlogIntervalMs: aux.TruncateBinlogIntervalMs,
	}

	if m.ListenHost == "" {
		m.ListenHost = defaultListenHost
	}
	if m.ListenPort == 0 {
		m.ListenPort = defaultListenPort
	}
	if m.KVStoreCount == 0 {
		m.KVStoreCount = defaultKVStoreCount
	}
	if m.DumpPath == "" {
		m.DumpPath = filepath.Join(m.RootDirectory, "dump")
	}
	if m.BinlogRateLimitMB == 0 {
		m.BinlogRateLimitMB = defaultBinlogRateLimitMB
	}
	if m.IncrPushThreadnum == 0 {
		m.IncrPushThreadnum = defaultIncrPushThreadnum
	}
	if m.FullPushThreadnum == 0 {
		m.FullPushThreadnum = defaultFullPushThreadnum
	}
	if m.FullReceiveThreadnum == 0 {
		m.FullReceiveThreadnum = defaultFullReceiveThreadnum
	}
	if m.LogRecycleThreadnum == 0 {
		m.LogRecycleThreadnum = defaultLogRecycleThreadnum
	}
	if m.TruncateBinlogIntervalMs == 0 {
		m.TruncateBinlogIntervalMs = defaultTruncateIntervalMs
	}

	if aux.LogFile != "" {
		log.SetLogFile(aux.LogFile)
	}
	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			fallthrough
		default:
			log.SetLevel(log.INFO)
		}
	}

	return m, nil
}
