package remoting

import (
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvoker(t *testing.T, workers, queueSize int) *invoker {
	t.Helper()
	exec := NewExecutor("test-public", workers, queueSize)
	t.Cleanup(exec.Shutdown)
	return newInvoker(testClientConfig(), exec, func(conn transport.IConnection) { _ = conn.Close() })
}

// awaitResponse waits until conn sent a response to req and returns it
func awaitResponse(t *testing.T, conn *fakeConn, req *common.Command) *common.Command {
	t.Helper()
	var resp *common.Command
	require.Eventually(t, func() bool {
		for _, cmd := range conn.sentCommands() {
			if cmd.IsResponseType() && cmd.Opaque == req.Opaque {
				resp = cmd
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return resp
}

func TestProcessRequestWithRegisteredProcessor(t *testing.T) {
	inv := newTestInvoker(t, 2, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	inv.registerProcessor(common.RequestCodeEcho, RequestProcessorFunc(
		func(_ transport.IConnection, req *common.Command) (*common.Command, error) {
			resp := common.NewResponseCommand(common.ResponseCodeSuccess, "")
			resp.Body = req.Body
			return resp, nil
		}), nil)

	req := common.NewRequestCommand(common.RequestCodeEcho, []byte("ping"))
	inv.processCommand(conn, req)

	resp := awaitResponse(t, conn, req)
	assert.Equal(t, common.ResponseCodeSuccess, resp.Code)
	assert.Equal(t, []byte("ping"), resp.Body)
}

func TestProcessRequestUsesOwnExecutor(t *testing.T) {
	inv := newTestInvoker(t, 1, 16)
	own := NewExecutor("test-own", 1, 16)
	t.Cleanup(own.Shutdown)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	ran := make(chan struct{}, 1)
	inv.registerProcessor(common.RequestCodeEcho, RequestProcessorFunc(
		func(transport.IConnection, *common.Command) (*common.Command, error) {
			ran <- struct{}{}
			return nil, nil
		}), own)

	// block the public executor, the processor must still run
	block := make(chan struct{})
	defer close(block)
	require.Eventually(t, func() bool {
		return inv.publicExecutor.Submit(func() { <-block })
	}, time.Second, time.Millisecond)

	inv.processCommand(conn, common.NewRequestCommand(common.RequestCodeEcho, nil))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not run on its own executor")
	}
}

func TestProcessRequestDefaultProcessor(t *testing.T) {
	inv := newTestInvoker(t, 2, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	inv.registerDefaultProcessor(RequestProcessorFunc(
		func(_ transport.IConnection, req *common.Command) (*common.Command, error) {
			return common.NewResponseCommand(common.ResponseCodeSuccess, "default"), nil
		}), nil)

	req := common.NewRequestCommand(4711, nil)
	inv.processCommand(conn, req)
	assert.Equal(t, "default", awaitResponse(t, conn, req).Remark)
}

func TestProcessRequestCodeNotSupported(t *testing.T) {
	inv := newTestInvoker(t, 2, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	req := common.NewRequestCommand(4711, nil)
	inv.processCommand(conn, req)
	resp := awaitResponse(t, conn, req)
	assert.Equal(t, common.ResponseCodeRequestCodeNotSupported, resp.Code)
	assert.Contains(t, resp.Remark, "4711")

	// one-way requests are never answered
	oneway := common.NewRequestCommand(4711, nil)
	oneway.MarkOnewayRPC()
	inv.processCommand(conn, oneway)
	assert.Len(t, conn.sentCommands(), 1)
}

func TestProcessRequestErrorAndPanic(t *testing.T) {
	inv := newTestInvoker(t, 2, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	inv.registerProcessor(1, RequestProcessorFunc(
		func(transport.IConnection, *common.Command) (*common.Command, error) {
			return nil, errors.New("store unavailable")
		}), nil)
	inv.registerProcessor(2, RequestProcessorFunc(
		func(transport.IConnection, *common.Command) (*common.Command, error) {
			panic("processor bug")
		}), nil)

	failing := common.NewRequestCommand(1, nil)
	inv.processCommand(conn, failing)
	resp := awaitResponse(t, conn, failing)
	assert.Equal(t, common.ResponseCodeSystemError, resp.Code)
	assert.Contains(t, resp.Remark, "store unavailable")

	panicking := common.NewRequestCommand(2, nil)
	inv.processCommand(conn, panicking)
	resp = awaitResponse(t, conn, panicking)
	assert.Equal(t, common.ResponseCodeSystemError, resp.Code)
	assert.Contains(t, resp.Remark, "processor bug")
}

func TestProcessRequestRejectedWhenBusy(t *testing.T) {
	inv := newTestInvoker(t, 1, 0)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)
	inv.registerProcessor(common.RequestCodeEcho, RequestProcessorFunc(
		func(transport.IConnection, *common.Command) (*common.Command, error) {
			return nil, nil
		}), nil)

	block := make(chan struct{})
	defer close(block)
	require.Eventually(t, func() bool {
		return inv.publicExecutor.Submit(func() { <-block })
	}, time.Second, time.Millisecond)

	req := common.NewRequestCommand(common.RequestCodeEcho, nil)
	inv.processCommand(conn, req)
	resp := awaitResponse(t, conn, req)
	assert.Equal(t, common.ResponseCodeSystemBusy, resp.Code)
	assert.Contains(t, resp.Remark, "[OVERLOAD]")
}

func TestProcessResponseWithoutRequest(t *testing.T) {
	inv := newTestInvoker(t, 1, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	resp := common.NewResponseCommand(common.ResponseCodeSuccess, "")
	resp.Opaque = -42
	inv.processCommand(conn, resp)
	assert.Zero(t, inv.pending())
	assert.Empty(t, conn.sentCommands())
}

func TestProcessResponseFromOtherConnectionDropped(t *testing.T) {
	inv := newTestInvoker(t, 1, 16)
	sentOn := newFakeConn("10.0.0.1:9876", nil, nil)
	other := newFakeConn("10.0.0.1:9876", nil, nil)

	errs := make(chan error, 2)
	req := common.NewRequestCommand(common.RequestCodeEcho, nil)
	require.NoError(t, inv.invokeAsync(sentOn, req, time.Minute, func(_ *common.Command, err error) { errs <- err }))

	resp := common.NewResponseFor(req, common.ResponseCodeSuccess, "")
	inv.processCommand(other, resp)
	assert.Equal(t, 1, inv.pending())
	assert.Never(t, func() bool { return len(errs) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	inv.processCommand(sentOn, resp)
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	assert.Zero(t, inv.pending())
	requireAllPermits(t, inv)
}

func TestInvokeSyncRejectsPendingOpaque(t *testing.T) {
	inv := newTestInvoker(t, 1, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	req := common.NewRequestCommand(common.RequestCodeEcho, nil)
	require.NoError(t, inv.invokeAsync(conn, req, time.Minute, func(*common.Command, error) {}))

	resp, err := inv.invokeSync(conn, req, time.Second)
	assert.Nil(t, resp)
	require.ErrorIs(t, err, common.ErrSendRequest)
	require.ErrorIs(t, err, common.ErrOpaqueInUse)
	assert.True(t, conn.IsActive())
	assert.Len(t, conn.sentCommands(), 1)
	assert.Equal(t, 1, inv.pending())
}

func TestInvokeAsyncWithoutTimeLeftIsTooManyRequests(t *testing.T) {
	inv := newTestInvoker(t, 1, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	err := inv.invokeAsync(conn, common.NewRequestCommand(common.RequestCodeEcho, nil), 0,
		func(*common.Command, error) { t.Error("callback of a rejected request must not run") })
	require.ErrorIs(t, err, common.ErrTooManyRequests)
	assert.NotErrorIs(t, err, common.ErrTimeout)
	assert.Empty(t, conn.sentCommands())
	assert.Zero(t, inv.pending())
	requireAllPermits(t, inv)
}

func TestScanResponseTable(t *testing.T) {
	inv := newTestInvoker(t, 1, 16)
	conn := newFakeConn("10.0.0.1:9876", nil, nil)

	errs := make(chan error, 1)
	require.NoError(t, inv.invokeAsync(conn, common.NewRequestCommand(common.RequestCodeEcho, nil), 100*time.Millisecond,
		func(_ *common.Command, err error) { errs <- err }))

	// not expired before timeout plus grace
	assert.Zero(t, inv.scanResponseTable(time.Now()))
	assert.Equal(t, 1, inv.pending())

	assert.Equal(t, 1, inv.scanResponseTable(time.Now().Add(100*time.Millisecond+sweepGrace)))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, common.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	assert.Zero(t, inv.pending())
	requireAllPermits(t, inv)
}

func TestFailPendingOnOnlyAffectsConnection(t *testing.T) {
	inv := newTestInvoker(t, 1, 16)
	closed := newFakeConn("10.0.0.1:9876", nil, nil)
	other := newFakeConn("10.0.0.2:9876", nil, nil)

	errs := make(chan error, 1)
	require.NoError(t, inv.invokeAsync(closed, common.NewRequestCommand(common.RequestCodeEcho, nil), time.Minute,
		func(_ *common.Command, err error) { errs <- err }))
	require.NoError(t, inv.invokeAsync(other, common.NewRequestCommand(common.RequestCodeEcho, nil), time.Minute, func(*common.Command, error) {}))

	assert.Equal(t, 1, inv.failPendingOn(closed))
	assert.ErrorIs(t, <-errs, common.ErrConnect)
	assert.Equal(t, 1, inv.pending())
}

func TestResponseCompletesOnlyOnce(t *testing.T) {
	f := newResponseFuture(nil, 1, time.Second, nil, nil)
	resp := common.NewResponseCommand(common.ResponseCodeSuccess, "")

	assert.True(t, f.complete(resp, nil))
	assert.False(t, f.complete(nil, common.ErrTimeout))
	assert.Same(t, resp, f.resp)
	assert.NoError(t, f.err)
}
