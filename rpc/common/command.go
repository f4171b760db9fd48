package common

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Command Structure
// --------------------------------------------------------------------------

const (
	// flagResponse marks a command as response to an earlier request
	flagResponse int32 = 1 << 0
	// flagOneway marks a request for which no response will be sent
	flagOneway int32 = 1 << 1
)

// opaqueCounter generates the correlation ids for all requests of this process
var opaqueCounter atomic.Int32

// Command represents a single unit on the wire used for both requests and responses.
// The Opaque field correlates a response with the request that caused it.
type Command struct {
	// Code is the request code for requests and the response code for responses
	Code int32 `json:"code"`

	// Version of the protocol spoken by the sender
	Version int32 `json:"version,omitempty"`

	// Opaque is the correlation id, unique for every in-flight request
	Opaque int32 `json:"opaque"`

	// Flag holds the response and one-way bits
	Flag int32 `json:"flag,omitempty"`

	// Remark is a human-readable message, mostly used for errors
	Remark string `json:"remark,omitempty"`

	// ExtFields are small header fields, e.g. for access control or tracing
	ExtFields map[string]string `json:"extFields,omitempty"`

	// Body is the opaque business payload
	Body []byte `json:"body,omitempty"`
}

// --------------------------------------------------------------------------
// Command Factory Functions
// --------------------------------------------------------------------------

// NewRequestCommand creates a new request with a fresh correlation id
func NewRequestCommand(code int32, body []byte) *Command {
	return &Command{
		Code:   code,
		Opaque: opaqueCounter.Add(1),
		Body:   body,
	}
}

// NewResponseCommand creates a new response. The opaque is set by whoever answers the request.
func NewResponseCommand(code int32, remark string) *Command {
	return &Command{
		Code:   code,
		Remark: remark,
		Flag:   flagResponse,
	}
}

// NewResponseFor creates a response to the given request (same correlation id)
func NewResponseFor(req *Command, code int32, remark string) *Command {
	resp := NewResponseCommand(code, remark)
	resp.Opaque = req.Opaque
	return resp
}

// --------------------------------------------------------------------------
// Flag Helpers
// --------------------------------------------------------------------------

// MarkResponseType sets the response bit
func (c *Command) MarkResponseType() {
	c.Flag |= flagResponse
}

// IsResponseType reports whether the command is a response
func (c *Command) IsResponseType() bool {
	return c.Flag&flagResponse == flagResponse
}

// MarkOnewayRPC sets the one-way bit
func (c *Command) MarkOnewayRPC() {
	c.Flag |= flagOneway
}

// IsOnewayRPC reports whether the sender expects no response
func (c *Command) IsOnewayRPC() bool {
	return c.Flag&flagOneway == flagOneway
}

// AddExtField sets a header field, allocating the map if needed
func (c *Command) AddExtField(key, value string) {
	if c.ExtFields == nil {
		c.ExtFields = make(map[string]string)
	}
	c.ExtFields[key] = value
}

// String returns a short representation used in log lines
func (c *Command) String() string {
	kind := "REQUEST"
	if c.IsResponseType() {
		kind = "RESPONSE"
	} else if c.IsOnewayRPC() {
		kind = "ONEWAY"
	}
	return fmt.Sprintf("Command{type=%s, code=%s, opaque=%d, remark=%q, ext=%v, body=%dB}",
		kind, CodeName(c.Code, c.IsResponseType()), c.Opaque, c.Remark, c.ExtFields, len(c.Body))
}

// --------------------------------------------------------------------------
// Request and Response Codes
// --------------------------------------------------------------------------

// Request codes understood by the remoting server of this repository
const (
	RequestCodeHeartbeat                int32 = 34
	RequestCodeNotifyConsumerIdsChanged int32 = 40
	RequestCodePutKVConfig              int32 = 100
	RequestCodeGetKVConfig              int32 = 101
	RequestCodeDeleteKVConfig           int32 = 102
	RequestCodeEcho                     int32 = 1000
)

// Response codes
const (
	ResponseCodeSuccess                 int32 = 0
	ResponseCodeSystemError             int32 = 1
	ResponseCodeSystemBusy              int32 = 2
	ResponseCodeRequestCodeNotSupported int32 = 3
	ResponseCodeKVNotExist              int32 = 4
)

// CodeName returns the name of a request or response code
func CodeName(code int32, response bool) string {
	if response {
		switch code {
		case ResponseCodeSuccess:
			return "SUCCESS"
		case ResponseCodeSystemError:
			return "SYSTEM_ERROR"
		case ResponseCodeSystemBusy:
			return "SYSTEM_BUSY"
		case ResponseCodeRequestCodeNotSupported:
			return "REQUEST_CODE_NOT_SUPPORTED"
		case ResponseCodeKVNotExist:
			return "KV_NOT_EXIST"
		}
		return fmt.Sprintf("%d", code)
	}

	switch code {
	case RequestCodeHeartbeat:
		return "HEART_BEAT"
	case RequestCodeNotifyConsumerIdsChanged:
		return "NOTIFY_CONSUMER_IDS_CHANGED"
	case RequestCodePutKVConfig:
		return "PUT_KV_CONFIG"
	case RequestCodeGetKVConfig:
		return "GET_KV_CONFIG"
	case RequestCodeDeleteKVConfig:
		return "DELETE_KV_CONFIG"
	case RequestCodeEcho:
		return "ECHO"
	}
	return fmt.Sprintf("%d", code)
}

// --------------------------------------------------------------------------
// KV Config Header
// --------------------------------------------------------------------------

// KVConfigHeader is carried in the body of the KV config requests
type KVConfigHeader struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
}

// Encode encodes the header as json
func (h KVConfigHeader) Encode() []byte {
	b, _ := json.Marshal(h)
	return b
}

// DecodeKVConfigHeader decodes a header from a command body
func DecodeKVConfigHeader(body []byte) (KVConfigHeader, error) {
	var h KVConfigHeader
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("invalid kv config header: %w", err)
	}
	return h, nil
}
