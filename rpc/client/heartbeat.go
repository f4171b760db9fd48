package client

import (
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
)

// Heartbeat checks that a remoting server answers and echoes payloads
type Heartbeat struct {
	rpcClientAdapter
}

// NewHeartbeat creates a heartbeat client using rc for all requests
func NewHeartbeat(rc *remoting.RemotingClient, addr string, timeout time.Duration) *Heartbeat {
	return &Heartbeat{rpcClientAdapter{remoting: rc, addr: addr, timeout: timeout}}
}

// Ping sends a heartbeat and returns the round trip time
func (h *Heartbeat) Ping() (time.Duration, error) {
	start := time.Now()
	if _, err := h.invokeRPCRequest(common.RequestCodeHeartbeat, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Echo sends body to the server and returns its answer
func (h *Heartbeat) Echo(body []byte) ([]byte, error) {
	resp, err := h.invokeRPCRequest(common.RequestCodeEcho, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
