package serializer

import (
	"testing"

	"github.com/ValentinKolb/dRemoting/rpc/common"
)

// benchmarkCommands returns a set of commands for targeted benchmarking
func benchmarkCommands() map[string]common.Command {
	return map[string]common.Command{
		"Empty": {
			Code: common.RequestCodeHeartbeat,
		},
		"SmallBody": {
			Code:   common.RequestCodeEcho,
			Opaque: 1,
			Body:   []byte("v"),
		},
		"MediumBody": {
			Code:   common.RequestCodeEcho,
			Opaque: 1,
			Body:   []byte("medium length value for testing serialization"),
		},
		"LargeBody": {
			Code:   common.RequestCodeEcho,
			Opaque: 1,
			Body:   make([]byte, 1024), // 1KB of data
		},
		"VeryLargeBody": {
			Code:   common.RequestCodeEcho,
			Opaque: 1,
			Body:   make([]byte, 1024*16), // 16KB of data
		},
		"ExtFields": {
			Code:      common.RequestCodePutKVConfig,
			Opaque:    1,
			ExtFields: map[string]string{"namespace": "orders", "key": "retention", "trace": "3f1c"},
		},
		"ErrorResponse": {
			Code:   common.ResponseCodeSystemError,
			Opaque: 1,
			Flag:   1,
			Remark: "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
		},
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various command types
func BenchmarkSerialize(b *testing.B) {
	commands := benchmarkCommands()

	for name, factory := range testSerializers {
		for cmdName, cmd := range commands {
			b.Run(name+"_"+cmdName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					_, err := serializer.Serialize(cmd)
					if err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDeserialize benchmarks deserialization for all implementations with various command types
func BenchmarkDeserialize(b *testing.B) {
	commands := benchmarkCommands()
	serializedData := make(map[string]map[string][]byte)

	// Pre-serialize all commands with all serializers
	for name, factory := range testSerializers {
		serializer := factory()
		serializedData[name] = make(map[string][]byte)

		for cmdName, cmd := range commands {
			data, err := serializer.Serialize(cmd)
			if err != nil {
				b.Fatalf("Failed to serialize %s with %s: %v", cmdName, name, err)
			}
			serializedData[name][cmdName] = data
		}
	}

	// Benchmark deserialization
	for name, factory := range testSerializers {
		for cmdName := range commands {
			b.Run(name+"_"+cmdName, func(b *testing.B) {
				serializer := factory()
				data := serializedData[name][cmdName]
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var cmd common.Command
					err := serializer.Deserialize(data, &cmd)
					if err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkSize measures and reports the serialized size for each command type
func BenchmarkSize(b *testing.B) {
	commands := benchmarkCommands()

	for name, factory := range testSerializers {
		serializer := factory()

		for cmdName, cmd := range commands {
			b.Run(name+"_"+cmdName, func(b *testing.B) {
				data, err := serializer.Serialize(cmd)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}

				// Report the size as a custom metric
				b.ReportMetric(float64(len(data)), "bytes")

				// Minimal loop to satisfy benchmark requirements
				for i := 0; i < b.N; i++ {
					_ = data
				}
			})
		}
	}
}
