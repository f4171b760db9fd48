package client

import (
	"errors"
	"time"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/remoting"
)

// KVConfig reads and writes the namespaced config items of a remoting server
type KVConfig struct {
	rpcClientAdapter
	namespace string
}

// NewKVConfig creates a kv config client using rc for all requests.
// An empty addr sends the requests to the name servers of rc.
func NewKVConfig(rc *remoting.RemotingClient, addr, namespace string, timeout time.Duration) *KVConfig {
	return &KVConfig{
		rpcClientAdapter: rpcClientAdapter{remoting: rc, addr: addr, timeout: timeout},
		namespace:        namespace,
	}
}

func (c *KVConfig) header(key, value string) []byte {
	return common.KVConfigHeader{Namespace: c.namespace, Key: key, Value: value}.Encode()
}

// Put creates or replaces a config item
func (c *KVConfig) Put(key, value string) error {
	_, err := c.invokeRPCRequest(common.RequestCodePutKVConfig, c.header(key, value))
	return err
}

// Get returns the value of a config item and whether it exists
func (c *KVConfig) Get(key string) (value string, loaded bool, err error) {
	resp, err := c.invokeRPCRequest(common.RequestCodeGetKVConfig, c.header(key, ""))
	if errors.Is(err, ErrKVNotExist) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}

	h, err := common.DecodeKVConfigHeader(resp.Body)
	if err != nil {
		return "", false, err
	}
	return h.Value, true, nil
}

// Delete removes a config item. Deleting a missing item is not an error.
func (c *KVConfig) Delete(key string) error {
	_, err := c.invokeRPCRequest(common.RequestCodeDeleteKVConfig, c.header(key, ""))
	return err
}
