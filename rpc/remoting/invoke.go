package remoting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// sweepGrace is added to a request's timeout before the sweep expires it,
// so sync callers usually observe their own timer first
const sweepGrace = time.Second

// --------------------------------------------------------------------------
// Callbacks and Processors
// --------------------------------------------------------------------------

// InvokeCallback receives the outcome of an async request. Exactly one of resp and err is non-nil.
type InvokeCallback func(resp *common.Command, err error)

// RequestProcessor handles requests sent by the remote side of a connection.
// The returned response is sent back unless the request is one-way; a nil
// response sends nothing. A returned error is answered with a system error.
type RequestProcessor interface {
	ProcessRequest(conn transport.IConnection, req *common.Command) (*common.Command, error)
}

// RequestProcessorFunc adapts a function to the RequestProcessor interface
type RequestProcessorFunc func(conn transport.IConnection, req *common.Command) (*common.Command, error)

func (f RequestProcessorFunc) ProcessRequest(conn transport.IConnection, req *common.Command) (*common.Command, error) {
	return f(conn, req)
}

// processorPair binds a processor to the executor it runs on (nil means the public executor)
type processorPair struct {
	processor RequestProcessor
	executor  *Executor
}

// --------------------------------------------------------------------------
// Response Future
// --------------------------------------------------------------------------

// responseFuture is the pending state of a request waiting for its response
type responseFuture struct {
	conn     transport.IConnection
	opaque   int32
	timeout  time.Duration
	begin    time.Time
	callback InvokeCallback
	release  func()

	once sync.Once
	done chan struct{}
	resp *common.Command
	err  error
}

func newResponseFuture(conn transport.IConnection, opaque int32, timeout time.Duration,
	callback InvokeCallback, release func()) *responseFuture {

	return &responseFuture{
		conn:     conn,
		opaque:   opaque,
		timeout:  timeout,
		begin:    time.Now(),
		callback: callback,
		release:  release,
		done:     make(chan struct{}),
	}
}

// complete sets the outcome and releases the admission permit. Only the first call has an effect.
func (f *responseFuture) complete(resp *common.Command, err error) bool {
	completed := false
	f.once.Do(func() {
		f.resp, f.err = resp, err
		if f.release != nil {
			f.release()
		}
		close(f.done)
		completed = true
	})
	return completed
}

// expired reports whether the sweep may fail the future
func (f *responseFuture) expired(now time.Time) bool {
	return now.Sub(f.begin) >= f.timeout+sweepGrace
}

// --------------------------------------------------------------------------
// Invoker
// --------------------------------------------------------------------------

// invoker implements the three invocation modes, the response table and inbound dispatch
type invoker struct {
	table *xsync.MapOf[int32, *responseFuture]

	onewaySema    *semaphore.Weighted
	asyncSema     *semaphore.Weighted
	onewayPermits int64
	asyncPermits  int64

	processors       *xsync.MapOf[int32, processorPair]
	defaultProcessor atomic.Pointer[processorPair]

	// runs callbacks and processors without own executor
	publicExecutor *Executor
	// closes a connection after a send failure
	closeConnection func(conn transport.IConnection)
}

func newInvoker(config common.ClientConfig, publicExecutor *Executor, closeConnection func(transport.IConnection)) *invoker {
	onewayPermits := int64(max(1, config.OnewaySemaphoreValue))
	asyncPermits := int64(max(1, config.AsyncSemaphoreValue))
	return &invoker{
		table:           xsync.NewMapOf[int32, *responseFuture](),
		onewaySema:      semaphore.NewWeighted(onewayPermits),
		asyncSema:       semaphore.NewWeighted(asyncPermits),
		onewayPermits:   onewayPermits,
		asyncPermits:    asyncPermits,
		processors:      xsync.NewMapOf[int32, processorPair](),
		publicExecutor:  publicExecutor,
		closeConnection: closeConnection,
	}
}

// invokeSync sends req and blocks until the response arrives, the timeout elapses or the connection fails
func (inv *invoker) invokeSync(conn transport.IConnection, req *common.Command, timeout time.Duration) (*common.Command, error) {
	addr := conn.RemoteAddr()
	f := newResponseFuture(conn, req.Opaque, timeout, nil, nil)
	if !inv.register(f) {
		Logger.Warningf("Rejected request %s to %s, opaque still pending", req, addr)
		return nil, common.NewSendRequestError(addr, common.ErrOpaqueInUse)
	}

	if err := conn.Send(req); err != nil {
		inv.removeFuture(f)
		Logger.Warningf("Failed to send request %s to %s: %v", req, addr, err)
		inv.closeConnection(conn)
		return nil, common.NewSendRequestError(addr, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.resp, f.err
	case <-timer.C:
		inv.removeFuture(f)
		// the response may have arrived while removing
		if !f.complete(nil, common.NewTimeoutError(addr, timeout, nil)) {
			return f.resp, f.err
		}
		Logger.Warningf("Wait response of %s from %s timed out after %s", req, addr, timeout)
		return nil, f.err
	}
}

// invokeAsync sends req and invokes callback once with the outcome. An error is only
// returned if the request was not handed to the connection; otherwise the callback reports it.
func (inv *invoker) invokeAsync(conn transport.IConnection, req *common.Command, timeout time.Duration, callback InvokeCallback) error {
	addr := conn.RemoteAddr()
	begin := time.Now()

	if !acquirePermit(inv.asyncSema, timeout) {
		Logger.Warningf("Async request %s to %s rejected, %d in flight", req, addr, inv.asyncPermits)
		return common.NewTooManyRequestsError(
			fmt.Sprintf("invokeAsync tryAcquire semaphore timeout, %s, permits %d", timeout, inv.asyncPermits))
	}
	release := sync.OnceFunc(func() { inv.asyncSema.Release(1) })

	remaining := timeout - time.Since(begin)
	if remaining <= 0 {
		release()
		Logger.Warningf("Async request %s to %s rejected, no time left after admission", req, addr)
		return common.NewTooManyRequestsError(fmt.Sprintf("invokeAsync call timeout, %s", timeout))
	}

	f := newResponseFuture(conn, req.Opaque, remaining, callback, release)
	if !inv.register(f) {
		release()
		Logger.Warningf("Rejected async request %s to %s, opaque still pending", req, addr)
		return common.NewSendRequestError(addr, common.ErrOpaqueInUse)
	}

	if err := conn.Send(req); err != nil {
		inv.removeFuture(f)
		Logger.Warningf("Failed to send async request %s to %s: %v", req, addr, err)
		inv.closeConnection(conn)
		inv.completeFuture(f, nil, common.NewSendRequestError(addr, err))
	}
	return nil
}

// invokeOneway sends req without waiting for a response. Send failures after admission are only logged.
func (inv *invoker) invokeOneway(conn transport.IConnection, req *common.Command, timeout time.Duration) error {
	req.MarkOnewayRPC()

	if !acquirePermit(inv.onewaySema, timeout) {
		Logger.Warningf("One-way request %s to %s rejected, %d in flight", req, conn.RemoteAddr(), inv.onewayPermits)
		return common.NewTooManyRequestsError(
			fmt.Sprintf("invokeOneway tryAcquire semaphore timeout, %s, permits %d", timeout, inv.onewayPermits))
	}
	defer inv.onewaySema.Release(1)

	if err := conn.Send(req); err != nil {
		Logger.Warningf("Failed to send one-way request %s to %s: %v", req, conn.RemoteAddr(), err)
		inv.closeConnection(conn)
	}
	return nil
}

// --------------------------------------------------------------------------
// Response Table
// --------------------------------------------------------------------------

// register adds f to the table. Returns false if another future waits on the same opaque.
func (inv *invoker) register(f *responseFuture) bool {
	_, loaded := inv.table.LoadOrStore(f.opaque, f)
	return !loaded
}

// removeFuture removes f from the table unless the slot was taken over by another future
func (inv *invoker) removeFuture(f *responseFuture) {
	inv.table.Compute(f.opaque, func(old *responseFuture, loaded bool) (*responseFuture, bool) {
		return old, !loaded || old == f
	})
}

// completeFuture completes f and hands its callback to the executor
func (inv *invoker) completeFuture(f *responseFuture, resp *common.Command, err error) {
	if !f.complete(resp, err) {
		return
	}
	if f.callback != nil {
		inv.executeCallback(f)
	}
}

// executeCallback runs the callback on the public executor, inline if the executor rejects it
func (inv *invoker) executeCallback(f *responseFuture) {
	run := func() {
		var pc panics.Catcher
		pc.Try(func() { f.callback(f.resp, f.err) })
		if r := pc.Recovered(); r != nil {
			Logger.Errorf("Callback of request %d panicked: %v", f.opaque, r.Value)
		}
	}
	if inv.publicExecutor == nil || !inv.publicExecutor.Submit(run) {
		run()
	}
}

// scanResponseTable fails every future whose deadline passed
func (inv *invoker) scanResponseTable(now time.Time) int {
	var expired []*responseFuture
	inv.table.Range(func(_ int32, f *responseFuture) bool {
		if f.expired(now) {
			expired = append(expired, f)
		}
		return true
	})

	for _, f := range expired {
		inv.removeFuture(f)
		Logger.Warningf("Removed timed out request %d to %s", f.opaque, f.conn.RemoteAddr())
		inv.completeFuture(f, nil, common.NewTimeoutError(f.conn.RemoteAddr(), f.timeout, nil))
	}
	return len(expired)
}

// failPendingOn fails every future waiting on conn
func (inv *invoker) failPendingOn(conn transport.IConnection) int {
	var failed []*responseFuture
	inv.table.Range(func(_ int32, f *responseFuture) bool {
		if f.conn.ID() == conn.ID() {
			failed = append(failed, f)
		}
		return true
	})

	for _, f := range failed {
		inv.removeFuture(f)
		inv.completeFuture(f, nil, common.NewConnectError(conn.RemoteAddr(), common.ErrConnectionClosed))
	}
	if len(failed) > 0 {
		Logger.Infof("Failed %d pending request(s) of closed connection to %s", len(failed), conn.RemoteAddr())
	}
	return len(failed)
}

// failAll fails every pending future with err
func (inv *invoker) failAll(err error) {
	inv.table.Range(func(_ int32, f *responseFuture) bool {
		inv.removeFuture(f)
		inv.completeFuture(f, nil, err)
		return true
	})
}

// pending returns the number of requests waiting for a response
func (inv *invoker) pending() int {
	return inv.table.Size()
}

// --------------------------------------------------------------------------
// Inbound Dispatch
// --------------------------------------------------------------------------

func (inv *invoker) registerProcessor(code int32, processor RequestProcessor, executor *Executor) {
	inv.processors.Store(code, processorPair{processor: processor, executor: executor})
}

func (inv *invoker) registerDefaultProcessor(processor RequestProcessor, executor *Executor) {
	inv.defaultProcessor.Store(&processorPair{processor: processor, executor: executor})
}

// processCommand routes an inbound command: responses to their future, requests to their processor
func (inv *invoker) processCommand(conn transport.IConnection, cmd *common.Command) {
	if cmd.IsResponseType() {
		inv.processResponse(conn, cmd)
	} else {
		inv.processRequest(conn, cmd)
	}
}

func (inv *invoker) processResponse(conn transport.IConnection, resp *common.Command) {
	var f *responseFuture
	var foreign bool
	inv.table.Compute(resp.Opaque, func(old *responseFuture, loaded bool) (*responseFuture, bool) {
		if !loaded {
			return old, true
		}
		// only the connection the request was sent on may answer it
		if old.conn.ID() != conn.ID() {
			foreign = true
			return old, false
		}
		f = old
		return old, true
	})

	switch {
	case foreign:
		Logger.Warningf("Dropped response %s from %s, request %d was sent on another connection", resp, conn.RemoteAddr(), resp.Opaque)
	case f == nil:
		Logger.Warningf("Received response %s from %s without a matching request", resp, conn.RemoteAddr())
	default:
		inv.completeFuture(f, resp, nil)
	}
}

func (inv *invoker) processRequest(conn transport.IConnection, req *common.Command) {
	pair, ok := inv.processors.Load(req.Code)
	if !ok {
		if def := inv.defaultProcessor.Load(); def != nil {
			pair, ok = *def, true
		}
	}

	if !ok {
		Logger.Warningf("Request code %d from %s not supported", req.Code, conn.RemoteAddr())
		inv.respond(conn, req, common.NewResponseFor(req, common.ResponseCodeRequestCodeNotSupported,
			fmt.Sprintf("request type %d not supported", req.Code)))
		return
	}

	run := func() {
		var resp *common.Command
		var err error

		var pc panics.Catcher
		pc.Try(func() { resp, err = pair.processor.ProcessRequest(conn, req) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}

		if err != nil {
			Logger.Errorf("Processing %s from %s failed: %v", req, conn.RemoteAddr(), err)
			resp = common.NewResponseFor(req, common.ResponseCodeSystemError, err.Error())
		}
		if resp == nil {
			return
		}
		resp.Opaque = req.Opaque
		resp.MarkResponseType()
		inv.respond(conn, req, resp)
	}

	executor := pair.executor
	if executor == nil {
		executor = inv.publicExecutor
	}
	if executor == nil || !executor.Submit(run) {
		Logger.Warningf("Too many requests and thread pool busy, rejected %s from %s", req, conn.RemoteAddr())
		inv.respond(conn, req, common.NewResponseFor(req, common.ResponseCodeSystemBusy,
			"[OVERLOAD]system busy, start flow control for a while"))
	}
}

// respond sends resp unless req is one-way
func (inv *invoker) respond(conn transport.IConnection, req, resp *common.Command) {
	if req.IsOnewayRPC() {
		return
	}
	if err := conn.Send(resp); err != nil {
		Logger.Errorf("Failed to send response %s to %s: %v", resp, conn.RemoteAddr(), err)
	}
}

// acquirePermit takes one permit, waiting at most timeout
func acquirePermit(sema *semaphore.Weighted, timeout time.Duration) bool {
	if sema.TryAcquire(1) {
		return true
	}
	if timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sema.Acquire(ctx, 1) == nil
}
