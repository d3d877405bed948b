package network

import (
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// InvalidSessionID marks "no session".
const InvalidSessionID = uint64(math.MaxUint64)

// SessionMgr tracks live sessions so they can be canceled by id. Canceling
// closes the underlying connection, forcing any worker blocked on it to exit
// with an I/O error.
type SessionMgr struct {
	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]io.Closer
}

func NewSessionMgr() *SessionMgr {
	return &SessionMgr{
		nextID:   1,
		sessions: make(map[uint64]io.Closer),
	}
}

// Attach registers a closer and returns its session id.
func (m *SessionMgr) Attach(c io.Closer) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.sessions[id] = c
	return id
}

// Detach forgets a session without closing it.
func (m *SessionMgr) Detach(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Cancel closes and forgets the session. Unknown ids (including
// InvalidSessionID) are an error the caller may ignore.
func (m *SessionMgr) Cancel(id uint64) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("session %d not found", id)
	}
	return c.Close()
}
