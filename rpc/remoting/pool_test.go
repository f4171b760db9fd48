package remoting

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingOpener returns an open function creating ready connections and the counter of its calls
func countingOpener() (func(string) transport.IPendingConnection, *atomic.Int32, *[]*fakeConn) {
	var count atomic.Int32
	var conns []*fakeConn
	return func(addr string) transport.IPendingConnection {
		count.Add(1)
		conn := newFakeConn(addr, nil, nil)
		conns = append(conns, conn)
		p := newFakePending()
		p.complete(conn, nil)
		return p
	}, &count, &conns
}

func TestWrapperStates(t *testing.T) {
	p := newFakePending()
	w := newConnWrapper(p)
	assert.False(t, w.isDone())
	assert.False(t, w.isReady())
	assert.Nil(t, w.conn())

	conn := newFakeConn("10.0.0.1:9876", nil, nil)
	p.complete(conn, nil)
	assert.True(t, w.isReady())
	assert.True(t, w.isWritable())
	assert.True(t, w.holds(conn))

	conn.writable.Store(false)
	assert.True(t, w.isReady())
	assert.False(t, w.isWritable())

	require.NoError(t, conn.Close())
	assert.False(t, w.isReady())
	assert.True(t, w.isDone())
	assert.Equal(t, stateDead, wrapperState(w.state.Load()))
}

func TestWrapperConcurrentSyncOnlyMovesForward(t *testing.T) {
	p := newFakePending()
	w := newConnWrapper(p)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	stop := make(chan struct{})
	var backwards atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := statePending
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := w.sync()
				if s < last {
					backwards.Add(1)
				}
				last = s
			}
		}()
	}

	p.complete(conn, nil)
	require.Eventually(t, w.isReady, time.Second, time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return w.sync() == stateDead }, time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, backwards.Load())
	// a dead wrapper stays dead
	conn.active.Store(true)
	assert.False(t, w.isReady())
	assert.Equal(t, stateDead, wrapperState(w.state.Load()))
}

func TestWrapperCloseWhilePending(t *testing.T) {
	p := newFakePending()
	w := newConnWrapper(p)
	w.close()

	conn := newFakeConn("10.0.0.1:9876", nil, nil)
	p.complete(conn, nil)
	require.Eventually(t, func() bool { return !conn.IsActive() }, time.Second, time.Millisecond)
	assert.False(t, w.isReady())
}

func TestWrapperAwaitReadyTimeout(t *testing.T) {
	w := newConnWrapper(newFakePending())
	start := time.Now()
	assert.Nil(t, w.awaitReady(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPoolEntryAcquireAndRelease(t *testing.T) {
	open, count, conns := countingOpener()
	e := newPoolEntry("10.0.0.1:9876", 2, time.Second, time.Second, open)

	first := e.acquire()
	require.NotNil(t, first)
	assert.Same(t, first, e.acquire())
	assert.Equal(t, int32(1), count.Load())
	assert.True(t, e.isHealthy())

	// no writable connection: grow to the second slot
	(*conns)[0].writable.Store(false)
	second := e.acquire()
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 2, e.size())

	// at max parallelism the ready connections are reused
	(*conns)[1].writable.Store(false)
	assert.NotNil(t, e.acquire())
	assert.Equal(t, int32(2), count.Load())
	assert.False(t, e.isWritable())

	assert.True(t, e.release(first))
	assert.False(t, first.IsActive())
	assert.False(t, e.release(first))
	assert.Equal(t, 1, e.size())
}

func TestPoolEntryConcurrentAcquireSingleAttempt(t *testing.T) {
	var count atomic.Int32
	e := newPoolEntry("10.0.0.1:9876", 1, time.Second, time.Second, func(addr string) transport.IPendingConnection {
		count.Add(1)
		p := newFakePending()
		time.AfterFunc(50*time.Millisecond, func() { p.complete(newFakeConn(addr, nil, nil), nil) })
		return p
	})

	var wg sync.WaitGroup
	ids := make([]string, 3)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if conn := e.acquire(); conn != nil {
				ids[i] = conn.ID()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), count.Load())
	require.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestPoolEntryConcurrentAcquireBounded(t *testing.T) {
	var count atomic.Int32
	// connections are never writable, every acquire tries to grow the entry
	e := newPoolEntry("10.0.0.1:9876", 4, time.Second, time.Second, func(addr string) transport.IPendingConnection {
		count.Add(1)
		conn := newFakeConn(addr, nil, nil)
		conn.writable.Store(false)
		p := newFakePending()
		p.complete(conn, nil)
		return p
	})

	var wg sync.WaitGroup
	var maxSize atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotNil(t, e.acquire())
			if n := int32(e.size()); n > maxSize.Load() {
				maxSize.Store(n)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, count.Load(), int32(4))
	assert.LessOrEqual(t, maxSize.Load(), int32(4))
	assert.LessOrEqual(t, len(e.load()), 4)
}

func TestPoolEntryFailedAttemptEvicted(t *testing.T) {
	e := newPoolEntry("10.0.0.1:9876", 1, time.Second, time.Second, func(string) transport.IPendingConnection {
		p := newFakePending()
		p.complete(nil, errUnreachable)
		return p
	})

	assert.Nil(t, e.acquire())
	assert.Zero(t, e.size())
	assert.False(t, e.isHealthy())
}

func TestPoolEntrySelfCheck(t *testing.T) {
	open, _, conns := countingOpener()
	e := newPoolEntry("10.0.0.1:9876", 3, time.Second, time.Second, open)

	for i := 0; i < 3; i++ {
		conn := e.acquire()
		require.NotNil(t, conn)
		(*conns)[i].writable.Store(false)
	}
	require.Equal(t, 3, e.size())

	// connections closed behind the pool's back
	(*conns)[0].active.Store(false)
	(*conns)[2].active.Store(false)

	assert.Equal(t, 2, e.selfCheck())
	assert.Equal(t, 1, e.size())
	assert.Zero(t, e.selfCheck())
	assert.True(t, e.isHealthy())
}

func TestPoolEntryClose(t *testing.T) {
	open, _, conns := countingOpener()
	e := newPoolEntry("10.0.0.1:9876", 2, time.Second, time.Second, open)
	require.NotNil(t, e.acquire())

	e.close()
	assert.Zero(t, e.size())
	assert.False(t, (*conns)[0].IsActive())
}

func TestTimedLock(t *testing.T) {
	l := newTimedLock()
	require.True(t, l.lock(time.Second))

	start := time.Now()
	assert.False(t, l.lock(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	l.unlock()
	assert.True(t, l.lock(time.Millisecond))
	l.unlock()
}

// --------------------------------------------------------------------------
// Address Selector
// --------------------------------------------------------------------------

type stubProvider struct {
	healthy   map[string]bool
	reachable map[string]bool
	attempts  []string
}

func (p *stubProvider) healthyConnection(addr string) transport.IConnection {
	if p.healthy[addr] {
		return newFakeConn(addr, nil, nil)
	}
	return nil
}

func (p *stubProvider) createConnection(addr string) transport.IConnection {
	p.attempts = append(p.attempts, addr)
	if p.reachable[addr] {
		p.healthy[addr] = true
		return newFakeConn(addr, nil, nil)
	}
	return nil
}

func TestAddressSelectorTriesEveryAddressOnce(t *testing.T) {
	s := newAddressSelector(time.Second)
	require.True(t, s.update([]string{"a:1", "b:1", "c:1", "d:1"}))

	p := &stubProvider{healthy: map[string]bool{}, reachable: map[string]bool{}}
	assert.Nil(t, s.resolve(p))
	assert.ElementsMatch(t, []string{"a:1", "b:1", "c:1", "d:1"}, p.attempts)
	assert.Empty(t, s.chosenAddr())
}

func TestAddressSelectorKeepsHealthyChoice(t *testing.T) {
	s := newAddressSelector(time.Second)
	s.update([]string{"a:1", "b:1"})

	p := &stubProvider{healthy: map[string]bool{}, reachable: map[string]bool{"a:1": true, "b:1": true}}
	conn := s.resolve(p)
	require.NotNil(t, conn)
	chosen := s.chosenAddr()
	assert.Equal(t, chosen, conn.RemoteAddr())

	for i := 0; i < 5; i++ {
		require.NotNil(t, s.resolve(p))
	}
	assert.Len(t, p.attempts, 1)
	assert.Equal(t, chosen, s.chosenAddr())
}

func TestAddressSelectorUpdateIgnoresOrder(t *testing.T) {
	s := newAddressSelector(time.Second)
	assert.False(t, s.update(nil))
	assert.True(t, s.update([]string{"a:1", "b:1"}))
	assert.False(t, s.update([]string{"b:1", "a:1"}))
	assert.True(t, s.update([]string{"a:1", "c:1"}))
	assert.True(t, s.update([]string{"a:1"}))
	assert.Equal(t, []string{"a:1"}, s.list())
}

func TestAddressSelectorLockTimeout(t *testing.T) {
	s := newAddressSelector(20 * time.Millisecond)
	s.update([]string{"a:1"})
	require.True(t, s.lock.lock(time.Second))
	defer s.lock.unlock()

	p := &stubProvider{healthy: map[string]bool{}, reachable: map[string]bool{"a:1": true}}
	assert.Nil(t, s.resolve(p))
	assert.Empty(t, p.attempts)
}
