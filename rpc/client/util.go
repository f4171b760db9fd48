package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// ErrKVNotExist is returned if the requested config item does not exist
var ErrKVNotExist = errors.New("kv config does not exist")

// ResponseError is returned if the server answered with a code other than success
type ResponseError struct {
	Code   int32
	Remark string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("request failed (%s): %s", common.CodeName(e.Code, true), e.Remark)
}

// rpcClientAdapter is a struct that stores all data needed for an implementation of a typed client
// Used by the KVConfig and Heartbeat clients with composition pattern
type rpcClientAdapter struct {
	remoting *remoting.RemotingClient
	addr     string
	timeout  time.Duration
}

// invokeRPCRequest is a helper function used for all typed clients to send requests
// It sends the request synchronously and converts every response code except success to an error
func (a *rpcClientAdapter) invokeRPCRequest(code int32, body []byte) (*common.Command, error) {
	req := common.NewRequestCommand(code, body)
	resp, err := a.remoting.InvokeSync(a.addr, req, a.timeout)
	if err != nil {
		return nil, err
	}

	switch resp.Code {
	case common.ResponseCodeSuccess:
		return resp, nil
	case common.ResponseCodeKVNotExist:
		return nil, fmt.Errorf("%w: %s", ErrKVNotExist, resp.Remark)
	default:
		Logger.Debugf("Request %s to %q failed: %s", req, a.addr, resp)
		return nil, &ResponseError{Code: resp.Code, Remark: resp.Remark}
	}
}
