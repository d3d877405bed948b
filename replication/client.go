package replication

import (
	"time"

	"github.com/wanghenshui/Tendis/catalog"
	"github.com/wanghenshui/Tendis/network"
	"github.com/wanghenshui/Tendis/utils/log"
)

const authReplyTimeout = 10 * time.Second

// createClient dials the meta's source and authenticates when masterauth is
// configured. Returns nil on any failure.
func (m *Manager) createClient(meta *catalog.StoreMeta, timeoutMs uint64) *network.BlockingClient {
	client := m.netw.CreateBlockingClient(blockingClientBufferBytes)
	err := client.Connect(meta.SyncFromHost, meta.SyncFromPort,
		time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		log.Warn("connect %s:%d failed:%v storeid:%d",
			meta.SyncFromHost, meta.SyncFromPort, err, meta.ID)
		return nil
	}

	if m.cfg.MasterAuth != "" {
		if err := client.WriteLine("AUTH " + m.cfg.MasterAuth); err != nil {
			log.Warn("fullSync auth write error:%v", err)
			client.Close()
			return nil
		}
		reply, err := client.ReadLine(authReplyTimeout)
		if err != nil {
			log.Warn("fullSync auth error:%v", err)
			client.Close()
			return nil
		}
		if len(reply) == 0 || reply[0] == '-' {
			log.Info("fullSync auth failed:%s", reply)
			client.Close()
			return nil
		}
	}
	return client
}
