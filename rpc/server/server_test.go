package server_test

import (
	"bytes"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
	"github.com/ValentinKolb/dRemoting/rpc/serializer"
	"github.com/ValentinKolb/dRemoting/rpc/server"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/ValentinKolb/dRemoting/rpc/transport/tcp"
	"github.com/ValentinKolb/dRemoting/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// startTCPServer starts a server on a random local port and returns it with its address
func startTCPServer(t *testing.T, ser serializer.IRPCSerializer) (*server.RemotingServer, string) {
	t.Helper()
	config := common.DefaultServerConfig()
	config.Transport.Endpoint = "127.0.0.1:0"

	s := server.NewRemotingServer(config, tcp.NewTCPServerTransport(ser))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })
	return s, s.Addr().String()
}

// startClient starts a client with the given transport
func startClient(t *testing.T, config common.ClientConfig, tr transport.IRPCClientTransport, listener remoting.EventListener) *remoting.RemotingClient {
	t.Helper()
	c := remoting.NewRemotingClient(config, tr, listener)
	require.NoError(t, c.Start())
	t.Cleanup(c.Shutdown)
	return c
}

func echo(t *testing.T, c *remoting.RemotingClient, addr string, body []byte) {
	t.Helper()
	resp, err := c.InvokeSync(addr, common.NewRequestCommand(common.RequestCodeEcho, body), 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, common.ResponseCodeSuccess, resp.Code)
	require.Equal(t, body, resp.Body)
}

// --------------------------------------------------------------------------
// Request Processing
// --------------------------------------------------------------------------

func TestEchoWithEverySerializer(t *testing.T) {
	serializers := map[string]func() serializer.IRPCSerializer{
		"binary": serializer.NewBinarySerializer,
		"json":   serializer.NewJSONSerializer,
		"gob":    serializer.NewGOBSerializer,
	}

	for name, newSerializer := range serializers {
		t.Run(name, func(t *testing.T) {
			_, addr := startTCPServer(t, newSerializer())
			c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(newSerializer()), nil)

			echo(t, c, addr, []byte("hello "+name))
			echo(t, c, addr, bytes.Repeat([]byte{0xAB}, 256*1024))
		})
	}
}

func TestEchoOverUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "remoting.sock")
	config := common.DefaultServerConfig()
	config.Transport.Endpoint = socket

	s := server.NewRemotingServer(config, unix.NewUnixServerTransport(serializer.NewBinarySerializer()))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })

	c := startClient(t, common.DefaultClientConfig(), unix.NewUnixClientTransport(serializer.NewBinarySerializer()), nil)
	echo(t, c, socket, []byte("over unix"))
}

func TestKVConfigLifecycle(t *testing.T) {
	_, addr := startTCPServer(t, serializer.NewBinarySerializer())
	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)

	call := func(code int32, h common.KVConfigHeader) *common.Command {
		resp, err := c.InvokeSync(addr, common.NewRequestCommand(code, h.Encode()), 3*time.Second)
		require.NoError(t, err)
		return resp
	}

	resp := call(common.RequestCodePutKVConfig, common.KVConfigHeader{Namespace: "ORDER_TOPIC", Key: "orders", Value: "broker-a:8"})
	assert.Equal(t, common.ResponseCodeSuccess, resp.Code)

	resp = call(common.RequestCodeGetKVConfig, common.KVConfigHeader{Namespace: "ORDER_TOPIC", Key: "orders"})
	require.Equal(t, common.ResponseCodeSuccess, resp.Code)
	h, err := common.DecodeKVConfigHeader(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "broker-a:8", h.Value)

	resp = call(common.RequestCodeDeleteKVConfig, common.KVConfigHeader{Namespace: "ORDER_TOPIC", Key: "orders"})
	assert.Equal(t, common.ResponseCodeSuccess, resp.Code)

	resp = call(common.RequestCodeGetKVConfig, common.KVConfigHeader{Namespace: "ORDER_TOPIC", Key: "orders"})
	assert.Equal(t, common.ResponseCodeKVNotExist, resp.Code)

	// missing key is a processor error
	resp = call(common.RequestCodePutKVConfig, common.KVConfigHeader{Namespace: "ORDER_TOPIC"})
	assert.Equal(t, common.ResponseCodeSystemError, resp.Code)
}

func TestUnsupportedRequestCode(t *testing.T) {
	_, addr := startTCPServer(t, serializer.NewBinarySerializer())
	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)

	resp, err := c.InvokeSync(addr, common.NewRequestCommand(4711, nil), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.ResponseCodeRequestCodeNotSupported, resp.Code)
	assert.True(t, resp.IsResponseType())
}

func TestProcessorPanicAnsweredWithSystemError(t *testing.T) {
	s, addr := startTCPServer(t, serializer.NewBinarySerializer())
	s.RegisterProcessor(4711, remoting.RequestProcessorFunc(func(transport.IConnection, *common.Command) (*common.Command, error) {
		panic("broken processor")
	}))
	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)

	resp, err := c.InvokeSync(addr, common.NewRequestCommand(4711, nil), 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.ResponseCodeSystemError, resp.Code)
	assert.Contains(t, resp.Remark, "broken processor")

	// the connection survives
	echo(t, c, addr, []byte("still alive"))
}

// --------------------------------------------------------------------------
// Client Behavior Against A Real Server
// --------------------------------------------------------------------------

func TestConcurrentRequestsShareConnection(t *testing.T) {
	s, addr := startTCPServer(t, serializer.NewBinarySerializer())
	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf("payload-%d", i))
			resp, err := c.InvokeSync(addr, common.NewRequestCommand(common.RequestCodeEcho, body), 5*time.Second)
			if err != nil || !bytes.Equal(body, resp.Body) {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, s.Connections())
}

func TestInvokeWithoutListenerFailsFast(t *testing.T) {
	// reserve a port and release it again so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	config := common.DefaultClientConfig()
	config.Transport.ConnectTimeoutMillis = 1000
	c := startClient(t, config, tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)

	start := time.Now()
	_, err = c.InvokeSync(addr, common.NewRequestCommand(common.RequestCodeEcho, nil), 3*time.Second)
	require.ErrorIs(t, err, common.ErrConnect)
	assert.Less(t, time.Since(start), 2*time.Second)

	err = c.InvokeAsync(addr, common.NewRequestCommand(common.RequestCodeEcho, nil), time.Second, nil)
	require.ErrorIs(t, err, common.ErrConnect)
	err = c.InvokeOneway(addr, common.NewRequestCommand(common.RequestCodeEcho, nil), time.Second)
	require.ErrorIs(t, err, common.ErrConnect)
}

func TestPendingRequestsFailedWhenServerCloses(t *testing.T) {
	s, addr := startTCPServer(t, serializer.NewBinarySerializer())

	var received atomic.Int32
	release := make(chan struct{})
	s.RegisterProcessor(4711, remoting.RequestProcessorFunc(func(transport.IConnection, *common.Command) (*common.Command, error) {
		received.Add(1)
		<-release
		return nil, nil
	}))

	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.InvokeAsync(addr, common.NewRequestCommand(4711, nil), time.Minute,
			func(_ *common.Command, err error) { errs <- err }))
	}
	require.Eventually(t, func() bool { return received.Load() == 5 }, 3*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()

	for i := 0; i < 5; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, common.ErrConnect)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 5 pending requests failed", i)
		}
	}

	close(release)
	<-closed
}

func TestServerNotifiesClients(t *testing.T) {
	s, addr := startTCPServer(t, serializer.NewBinarySerializer())
	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)

	notified := make(chan []byte, 1)
	c.RegisterProcessor(common.RequestCodeNotifyConsumerIdsChanged, remoting.RequestProcessorFunc(
		func(_ transport.IConnection, req *common.Command) (*common.Command, error) {
			notified <- req.Body
			return common.NewResponseCommand(common.ResponseCodeSuccess, ""), nil
		}), nil)

	echo(t, c, addr, []byte("connect"))
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, s.Notify(common.NewRequestCommand(common.RequestCodeNotifyConsumerIdsChanged, []byte("group-a"))))
	select {
	case body := <-notified:
		assert.Equal(t, []byte("group-a"), body)
	case <-time.After(3 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestLifecycleEventsOverTCP(t *testing.T) {
	s, addr := startTCPServer(t, serializer.NewBinarySerializer())

	var mu sync.Mutex
	var events []remoting.EventType
	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), func(e remoting.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type)
	})

	echo(t, c, addr, []byte("connect"))
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2 && events[len(events)-1] == remoting.EventClose
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, remoting.EventConnect, events[0])
}

func TestIdleConnectionClosed(t *testing.T) {
	_, addr := startTCPServer(t, serializer.NewBinarySerializer())

	var mu sync.Mutex
	var events []remoting.EventType
	config := common.DefaultClientConfig()
	config.Transport.ChannelMaxIdleTimeSeconds = 1
	c := startClient(t, config, tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), func(e remoting.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type)
	})

	echo(t, c, addr, []byte("connect"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 4*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []remoting.EventType{remoting.EventConnect, remoting.EventIdle, remoting.EventClose}, events)
	mu.Unlock()

	// a new connection is created on demand
	echo(t, c, addr, []byte("reconnect"))
}

func TestServerMetrics(t *testing.T) {
	s, addr := startTCPServer(t, serializer.NewBinarySerializer())
	c := startClient(t, common.DefaultClientConfig(), tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)
	echo(t, c, addr, []byte("count me"))

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), "remoting_server_requests_total 1")
	assert.Contains(t, buf.String(), "remoting_server_connections 1")
}
