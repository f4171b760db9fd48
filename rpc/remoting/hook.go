package remoting

import "github.com/ValentinKolb/dRemoting/rpc/common"

// RPCHook is called around every request sent by a client, e.g. to add
// access control fields or to trace requests
type RPCHook interface {
	// DoBeforeRequest is called before the request is sent. It may modify the request.
	DoBeforeRequest(remoteAddr string, req *common.Command)
	// DoAfterResponse is called after a response to a sync request was received
	DoAfterResponse(remoteAddr string, req *common.Command, resp *common.Command)
}
