package server

import (
	"fmt"

	"github.com/ValentinKolb/dRemoting/rpc/common"
	"github.com/ValentinKolb/dRemoting/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

func processEcho(_ transport.IConnection, req *common.Command) (*common.Command, error) {
	resp := common.NewResponseCommand(common.ResponseCodeSuccess, "")
	resp.Body = req.Body
	return resp, nil
}

func processHeartbeat(_ transport.IConnection, _ *common.Command) (*common.Command, error) {
	return common.NewResponseCommand(common.ResponseCodeSuccess, ""), nil
}

// --------------------------------------------------------------------------
// KV Config
// --------------------------------------------------------------------------

type kvConfigKey struct {
	namespace string
	key       string
}

// kvConfigStore keeps namespaced configuration values in memory
type kvConfigStore struct {
	values *xsync.MapOf[kvConfigKey, string]
}

func newKVConfigStore() *kvConfigStore {
	return &kvConfigStore{values: xsync.NewMapOf[kvConfigKey, string]()}
}

func (s *kvConfigStore) size() int {
	return s.values.Size()
}

// decode reads the header and checks the mandatory fields
func decodeKVHeader(req *common.Command) (kvConfigKey, common.KVConfigHeader, error) {
	h, err := common.DecodeKVConfigHeader(req.Body)
	if err != nil {
		return kvConfigKey{}, h, err
	}
	if h.Namespace == "" || h.Key == "" {
		return kvConfigKey{}, h, fmt.Errorf("namespace and key must not be empty")
	}
	return kvConfigKey{namespace: h.Namespace, key: h.Key}, h, nil
}

func (s *kvConfigStore) processPut(_ transport.IConnection, req *common.Command) (*common.Command, error) {
	k, h, err := decodeKVHeader(req)
	if err != nil {
		return nil, err
	}
	if old, loaded := s.values.LoadAndStore(k, h.Value); loaded {
		Logger.Infof("Updated kv config %s/%s: %q -> %q", k.namespace, k.key, old, h.Value)
	} else {
		Logger.Infof("Created kv config %s/%s: %q", k.namespace, k.key, h.Value)
	}
	return common.NewResponseCommand(common.ResponseCodeSuccess, ""), nil
}

func (s *kvConfigStore) processGet(_ transport.IConnection, req *common.Command) (*common.Command, error) {
	k, _, err := decodeKVHeader(req)
	if err != nil {
		return nil, err
	}
	value, ok := s.values.Load(k)
	if !ok {
		return common.NewResponseCommand(common.ResponseCodeKVNotExist,
			fmt.Sprintf("no config item, namespace: %s key: %s", k.namespace, k.key)), nil
	}
	resp := common.NewResponseCommand(common.ResponseCodeSuccess, "")
	resp.Body = common.KVConfigHeader{Namespace: k.namespace, Key: k.key, Value: value}.Encode()
	return resp, nil
}

func (s *kvConfigStore) processDelete(_ transport.IConnection, req *common.Command) (*common.Command, error) {
	k, _, err := decodeKVHeader(req)
	if err != nil {
		return nil, err
	}
	if _, ok := s.values.LoadAndDelete(k); ok {
		Logger.Infof("Deleted kv config %s/%s", k.namespace, k.key)
	}
	return common.NewResponseCommand(common.ResponseCodeSuccess, ""), nil
}
