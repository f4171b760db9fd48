package serializer

import "github.com/ValentinKolb/dRemoting/rpc/common"

// IRPCSerializer is the interface for all Command serializers
type IRPCSerializer interface {
	// Serialize serializes a Command into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(cmd common.Command) ([]byte, error)
	// Deserialize deserializes a byte array into a Command
	// It takes a byte array and a pointer to a Command as parameters
	// It returns an error if any
	Deserialize(b []byte, cmd *common.Command) error
}
