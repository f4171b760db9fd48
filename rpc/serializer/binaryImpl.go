package serializer

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/ValentinKolb/dRemoting/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: code (4) | opaque (4) | presence flags (1) | optional fields.
// Strings and byte slices are prefixed with their length as uint32.
type binarySerializerImpl struct {
}

// header size: code + opaque + presence flags
const binaryHeaderSize = 9

// Bit flags to indicate which optional fields are present
const (
	hasVersion   byte = 1 << 0
	hasFlag      byte = 1 << 1
	hasRemark    byte = 1 << 2
	hasExtFields byte = 1 << 3
	hasBody      byte = 1 << 4
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(cmd common.Command) ([]byte, error) {
	result := make([]byte, b.sizeBytes(cmd))

	binary.BigEndian.PutUint32(result[0:4], uint32(cmd.Code))
	binary.BigEndian.PutUint32(result[4:8], uint32(cmd.Opaque))

	var flags byte = 0
	pos := binaryHeaderSize

	if cmd.Version != 0 {
		flags |= hasVersion
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(cmd.Version))
		pos += 4
	}

	if cmd.Flag != 0 {
		flags |= hasFlag
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(cmd.Flag))
		pos += 4
	}

	if cmd.Remark != "" {
		flags |= hasRemark
		pos = putBytes(result, pos, []byte(cmd.Remark))
	}

	if len(cmd.ExtFields) > 0 {
		flags |= hasExtFields
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(cmd.ExtFields)))
		pos += 4

		// sorted keys keep the encoding deterministic
		for _, k := range slices.Sorted(maps.Keys(cmd.ExtFields)) {
			pos = putBytes(result, pos, []byte(k))
			pos = putBytes(result, pos, []byte(cmd.ExtFields[k]))
		}
	}

	if cmd.Body != nil {
		flags |= hasBody
		pos = putBytes(result, pos, cmd.Body)
	}

	result[8] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, cmd *common.Command) error {
	if len(data) < binaryHeaderSize {
		return fmt.Errorf("data too short for command header")
	}

	cmd.Code = int32(binary.BigEndian.Uint32(data[0:4]))
	cmd.Opaque = int32(binary.BigEndian.Uint32(data[4:8]))
	flags := data[8]
	pos := binaryHeaderSize

	var err error

	if flags&hasVersion != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for version")
		}
		cmd.Version = int32(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
	} else {
		cmd.Version = 0
	}

	if flags&hasFlag != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for flag")
		}
		cmd.Flag = int32(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
	} else {
		cmd.Flag = 0
	}

	if flags&hasRemark != 0 {
		var remark []byte
		if remark, pos, err = readBytes(data, pos, "remark"); err != nil {
			return err
		}
		cmd.Remark = string(remark)
	} else {
		cmd.Remark = ""
	}

	if flags&hasExtFields != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for ext field count")
		}
		count := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4

		// every entry needs at least two length prefixes
		if count > (len(data)-pos)/8 {
			return fmt.Errorf("invalid ext field count %d", count)
		}

		cmd.ExtFields = make(map[string]string, count)
		for i := 0; i < count; i++ {
			var k, v []byte
			if k, pos, err = readBytes(data, pos, "ext field key"); err != nil {
				return err
			}
			if v, pos, err = readBytes(data, pos, "ext field value"); err != nil {
				return err
			}
			cmd.ExtFields[string(k)] = string(v)
		}
	} else {
		cmd.ExtFields = nil
	}

	if flags&hasBody != 0 {
		var body []byte
		if body, pos, err = readBytes(data, pos, "body"); err != nil {
			return err
		}
		// create an empty slice (not nil) if length is 0, allocate only if needed
		if cmd.Body == nil || cap(cmd.Body) < len(body) {
			cmd.Body = make([]byte, len(body))
		} else {
			cmd.Body = cmd.Body[:len(body)]
		}
		copy(cmd.Body, body)
	} else {
		cmd.Body = nil
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(cmd common.Command) int {
	size := binaryHeaderSize

	if cmd.Version != 0 {
		size += 4
	}
	if cmd.Flag != 0 {
		size += 4
	}
	if cmd.Remark != "" {
		size += 4 + len(cmd.Remark)
	}
	if len(cmd.ExtFields) > 0 {
		size += 4
		for k, v := range cmd.ExtFields {
			size += 8 + len(k) + len(v)
		}
	}
	if cmd.Body != nil {
		size += 4 + len(cmd.Body)
	}

	return size
}

// putBytes writes a length prefixed byte slice and returns the new position
func putBytes(dst []byte, pos int, src []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(src)))
	pos += 4
	copy(dst[pos:pos+len(src)], src)
	return pos + len(src)
}

// readBytes reads a length prefixed byte slice (without copying) and returns the new position
func readBytes(data []byte, pos int, field string) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n < 0 || pos+n > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s data", field)
	}
	return data[pos : pos+n], pos + n, nil
}
