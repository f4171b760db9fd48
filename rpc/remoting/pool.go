package remoting

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"golang.org/x/sync/semaphore"
)

// timedLock is a mutex with a bounded acquire
type timedLock struct {
	sema *semaphore.Weighted
}

func newTimedLock() timedLock {
	return timedLock{sema: semaphore.NewWeighted(1)}
}

// lock tries to take the lock immediately and then waits at most timeout
func (l timedLock) lock(timeout time.Duration) bool {
	if l.sema.TryAcquire(1) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sema.Acquire(ctx, 1) == nil
}

func (l timedLock) unlock() {
	l.sema.Release(1)
}

// poolEntry holds up to maxParallelism connections to a single address.
// The wrapper slice is copy-on-write: readers load it without locking,
// writers replace it while holding the entry lock.
type poolEntry struct {
	addr           string
	maxParallelism int32
	lockTimeout    time.Duration
	connectTimeout time.Duration
	open           func(addr string) transport.IPendingConnection

	lock        timedLock
	wrappers    atomic.Pointer[[]*connWrapper]
	parallelism atomic.Int32
	seq         atomic.Uint32
}

func newPoolEntry(addr string, maxParallelism int, lockTimeout, connectTimeout time.Duration,
	open func(addr string) transport.IPendingConnection) *poolEntry {

	e := &poolEntry{
		addr:           addr,
		maxParallelism: int32(max(1, maxParallelism)),
		lockTimeout:    lockTimeout,
		connectTimeout: connectTimeout,
		open:           open,
		lock:           newTimedLock(),
	}
	e.wrappers.Store(&[]*connWrapper{})
	return e
}

// --------------------------------------------------------------------------
// Connection Selection
// --------------------------------------------------------------------------

// acquire returns a connection to the entry's address, creating one if the entry is below
// its max parallelism. Returns nil if no connection could be obtained.
func (e *poolEntry) acquire() transport.IConnection {
	if conn := e.pick((*connWrapper).isWritable); conn != nil {
		return conn
	}

	if e.parallelism.Load() < e.maxParallelism {
		if e.lock.lock(e.lockTimeout) {
			// somebody else may have created a connection in the meantime
			if conn := e.pick((*connWrapper).isWritable); conn != nil {
				e.lock.unlock()
				return conn
			}

			if e.parallelism.Load() < e.maxParallelism {
				w := newConnWrapper(e.open(e.addr))
				e.store(append(slices.Clone(e.load()), w))
				e.parallelism.Add(1)
				e.lock.unlock()

				if conn := w.awaitReady(e.connectTimeout); conn != nil {
					Logger.Debugf("Created connection %d/%d to %s", e.parallelism.Load(), e.maxParallelism, e.addr)
					return conn
				}
				Logger.Warningf("Failed to create connection to %s within %s", e.addr, e.connectTimeout)
				e.evict(w)
				return nil
			}
			e.lock.unlock()
		} else {
			Logger.Warningf("Timeout acquiring the pool lock of %s after %s", e.addr, e.lockTimeout)
		}
	}

	// at max parallelism: use the best known connection
	if conn := e.pick((*connWrapper).isReady); conn != nil {
		return conn
	}
	for _, w := range e.load() {
		if !w.isDone() {
			return w.awaitReady(e.connectTimeout)
		}
	}
	return nil
}

// pick returns the connection of the next wrapper (round-robin) that satisfies ok
func (e *poolEntry) pick(ok func(*connWrapper) bool) transport.IConnection {
	ws := e.load()
	n := len(ws)
	if n == 0 {
		return nil
	}
	start := e.seq.Add(1)
	for i := 0; i < n; i++ {
		w := ws[(int(start)+i)%n]
		if ok(w) {
			if conn := w.conn(); conn != nil {
				return conn
			}
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// release removes the wrapper holding conn and closes the connection. No-op if the entry does not hold conn.
func (e *poolEntry) release(conn transport.IConnection) bool {
	if !e.lock.lock(e.lockTimeout) {
		Logger.Warningf("Timeout acquiring the pool lock of %s on release, connection is evicted by the next self check", e.addr)
		_ = conn.Close()
		return false
	}

	var removed *connWrapper
	ws := e.load()
	for i, w := range ws {
		if w.holds(conn) {
			removed = w
			e.store(slices.Delete(slices.Clone(ws), i, i+1))
			e.parallelism.Add(-1)
			break
		}
	}
	e.lock.unlock()

	// closing outside the lock, the close signal calls back into release
	if removed != nil {
		removed.close()
	}
	return removed != nil
}

// evict removes the given wrapper if still present and closes it
func (e *poolEntry) evict(target *connWrapper) {
	if !e.lock.lock(e.lockTimeout) {
		Logger.Warningf("Timeout acquiring the pool lock of %s on evict", e.addr)
		return
	}
	ws := e.load()
	idx := slices.Index(ws, target)
	if idx >= 0 {
		e.store(slices.Delete(slices.Clone(ws), idx, idx+1))
		e.parallelism.Add(-1)
	}
	e.lock.unlock()

	if idx >= 0 {
		target.close()
	}
}

// selfCheck evicts every wrapper whose attempt completed but that is not ready. Returns the number of evictions.
func (e *poolEntry) selfCheck() int {
	if !e.lock.lock(e.lockTimeout) {
		Logger.Warningf("Timeout acquiring the pool lock of %s on self check", e.addr)
		return 0
	}

	ws := e.load()
	keep := make([]*connWrapper, 0, len(ws))
	var evicted []*connWrapper
	for _, w := range ws {
		if w.isDone() && !w.isReady() {
			evicted = append(evicted, w)
		} else {
			keep = append(keep, w)
		}
	}
	if len(evicted) > 0 {
		e.store(keep)
		e.parallelism.Store(int32(len(keep)))
	}
	e.lock.unlock()

	for _, w := range evicted {
		w.close()
	}
	if len(evicted) > 0 {
		Logger.Infof("Self check evicted %d dead connection(s) to %s", len(evicted), e.addr)
	}
	return len(evicted)
}

// close closes every connection of the entry
func (e *poolEntry) close() {
	locked := e.lock.lock(e.lockTimeout)
	ws := e.load()
	e.store([]*connWrapper{})
	e.parallelism.Store(0)
	if locked {
		e.lock.unlock()
	}

	for _, w := range ws {
		w.close()
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (e *poolEntry) load() []*connWrapper {
	return *e.wrappers.Load()
}

func (e *poolEntry) store(ws []*connWrapper) {
	e.wrappers.Store(&ws)
}

// isHealthy reports whether any connection is ready
func (e *poolEntry) isHealthy() bool {
	return slices.ContainsFunc(e.load(), (*connWrapper).isReady)
}

// isWritable reports whether any connection is writable
func (e *poolEntry) isWritable() bool {
	return slices.ContainsFunc(e.load(), (*connWrapper).isWritable)
}

// size returns the number of tracked connection attempts
func (e *poolEntry) size() int {
	return int(e.parallelism.Load())
}
