package remoting

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/transport"
)

// wrapperState is the lifecycle state of a pooled connection
type wrapperState int32

const (
	statePending wrapperState = iota
	stateReady
	stateDead
)

func (s wrapperState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateReady:
		return "ready"
	default:
		return "dead"
	}
}

// connWrapper tracks one connection attempt of a pool entry and the connection it produced
type connWrapper struct {
	pending transport.IPendingConnection
	state   atomic.Int32
}

func newConnWrapper(pending transport.IPendingConnection) *connWrapper {
	return &connWrapper{pending: pending}
}

// sync moves the wrapper out of pending once the attempt completed and
// to dead once the connection is no longer active. Any reader may advance the
// state without the entry lock: transitions only go forward and are applied by CAS.
// Adding and removing wrappers stays under the entry lock.
func (w *connWrapper) sync() wrapperState {
	switch wrapperState(w.state.Load()) {
	case statePending:
		if !w.pending.IsDone() {
			return statePending
		}
		next := stateDead
		if conn := w.pending.Conn(); conn != nil && conn.IsActive() {
			next = stateReady
		}
		w.state.CompareAndSwap(int32(statePending), int32(next))
		return w.sync()
	case stateReady:
		if !w.pending.Conn().IsActive() {
			w.state.CompareAndSwap(int32(stateReady), int32(stateDead))
			return stateDead
		}
		return stateReady
	default:
		return stateDead
	}
}

func (w *connWrapper) isReady() bool {
	return w.sync() == stateReady
}

// isDone reports whether the connection attempt completed
func (w *connWrapper) isDone() bool {
	return w.sync() != statePending
}

func (w *connWrapper) isWritable() bool {
	return w.isReady() && w.pending.Conn().IsWritable()
}

// conn returns the connection, nil if the wrapper is not ready
func (w *connWrapper) conn() transport.IConnection {
	if !w.isReady() {
		return nil
	}
	return w.pending.Conn()
}

// holds reports whether the wrapper produced the given connection
func (w *connWrapper) holds(conn transport.IConnection) bool {
	c := w.pending.Conn()
	return c != nil && conn != nil && c.ID() == conn.ID()
}

// awaitReady waits up to timeout for the attempt to complete and returns the connection if ready
func (w *connWrapper) awaitReady(timeout time.Duration) transport.IConnection {
	if !w.isDone() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-w.pending.Done():
		case <-timer.C:
			return nil
		}
	}
	return w.conn()
}

// close closes the connection. A still running attempt is closed once it completes.
func (w *connWrapper) close() {
	w.state.Store(int32(stateDead))
	if w.pending.IsDone() {
		if c := w.pending.Conn(); c != nil {
			_ = c.Close()
		}
		return
	}
	go func() {
		<-w.pending.Done()
		if c := w.pending.Conn(); c != nil {
			_ = c.Close()
		}
	}()
}
