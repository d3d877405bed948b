package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&PoolTestSuite{})

type PoolTestSuite struct{}

func (s *PoolTestSuite) TestPool(c *C) {
	var jobCount int64

	p := NewWorkerPool("test", &Matrix{})
	c.Assert(p.Startup(10), IsNil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Schedule(func() {
			defer wg.Done()
			atomic.AddInt64(&jobCount, 1)
		})
	}
	wg.Wait()

	c.Assert(atomic.LoadInt64(&jobCount), Equals, int64(10))
	snap := p.matrix.Snapshot()
	c.Assert(snap.Scheduled, Equals, uint64(10))
	c.Assert(snap.Executed, Equals, uint64(10))

	p.Stop()
}

func (s *PoolTestSuite) TestStartupValidation(c *C) {
	p := NewWorkerPool("bad", nil)
	c.Assert(p.Startup(0), NotNil)
	c.Assert(p.Startup(2), IsNil)
	c.Assert(p.Startup(2), NotNil) // double start
	p.Stop()
}

func (s *PoolTestSuite) TestStopDrainsQueued(c *C) {
	var done int64
	p := NewWorkerPool("drain", nil)
	c.Assert(p.Startup(1), IsNil)

	for i := 0; i < 5; i++ {
		p.Schedule(func() {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&done, 1)
		})
	}
	p.Stop()
	c.Assert(atomic.LoadInt64(&done), Equals, int64(5))
}
