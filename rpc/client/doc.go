// Package client implements typed clients on top of the remoting.RemotingClient.
// Each client builds the request commands of one server feature, sends them
// synchronously and converts the response codes to Go errors.
//
// Key Components:
//
//   - NewKVConfig: reads and writes the namespaced config items of a remoting server.
//     A missing item is reported by Get with loaded == false.
//
//   - NewHeartbeat: pings a server and echoes payloads.
//
// Usage Example:
//
//	config := common.DefaultClientConfig()
//	config.NameServerAddresses = []string{"localhost:9876"}
//
//	rc := remoting.NewRemotingClient(config, tcp.NewTCPClientTransport(serializer.NewBinarySerializer()), nil)
//	_ = rc.Start()
//	defer rc.Shutdown()
//
//	kv := client.NewKVConfig(rc, "", "orders", 3*time.Second)
//	_ = kv.Put("retention", "72h")
//	value, loaded, _ := kv.Get("retention")
//
// Thread Safety:
//
//	All clients are thread-safe and can be used concurrently from multiple goroutines.
//	Several clients may share one RemotingClient.
package client
