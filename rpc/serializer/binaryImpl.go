package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present.
// Boolean fields are carried by their flag alone.
const (
	hasKey        uint16 = 1 << 0
	hasValue      uint16 = 1 << 1
	hasVersion    uint16 = 1 << 2
	hasOwner      uint16 = 1 << 3
	hasStrategy   uint16 = 1 << 4
	hasTimeout    uint16 = 1 << 5
	isForce       uint16 = 1 << 6
	isForwarded   uint16 = 1 << 7
	isRedirected  uint16 = 1 << 8
	isOk          uint16 = 1 << 9
	hasCount      uint16 = 1 << 10
	hasCode       uint16 = 1 << 11
	hasErr        uint16 = 1 << 12
	hasMeta       uint16 = 1 << 13
	binHeaderSize        = 3 // 1 byte MsgType + 2 bytes flags
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	var flags uint16
	pos := binHeaderSize

	if msg.Key != "" {
		flags |= hasKey
		pos = putBytes(result, pos, []byte(msg.Key))
	}
	if msg.Value != nil {
		flags |= hasValue
		pos = putBytes(result, pos, msg.Value)
	}
	if msg.Version > 0 {
		flags |= hasVersion
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.Version)
		pos += 8
	}
	if msg.Owner != "" {
		flags |= hasOwner
		pos = putBytes(result, pos, []byte(msg.Owner))
	}
	if msg.Strategy != "" {
		flags |= hasStrategy
		pos = putBytes(result, pos, []byte(msg.Strategy))
	}
	if msg.Timeout > 0 {
		flags |= hasTimeout
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.Timeout)
		pos += 8
	}
	if msg.Force {
		flags |= isForce
	}
	if msg.Forwarded {
		flags |= isForwarded
	}
	if msg.Redirected {
		flags |= isRedirected
	}
	if msg.Ok {
		flags |= isOk
	}
	if msg.Count > 0 {
		flags |= hasCount
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.Count)
		pos += 8
	}
	if msg.Code != store.RetCSuccess {
		flags |= hasCode
		result[pos] = byte(msg.Code)
		pos += 1
	}
	if msg.Err != "" {
		flags |= hasErr
		pos = putBytes(result, pos, []byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		putBytes(result, pos, msg.Meta)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < binHeaderSize {
		return fmt.Errorf("data too short for message header")
	}

	msg.MsgType = common.MessageType(data[0])
	flags := binary.BigEndian.Uint16(data[1:3])
	r := &binaryReader{data: data, pos: binHeaderSize}

	msg.Key = ""
	if flags&hasKey != 0 {
		msg.Key = string(r.bytes("key"))
	}

	msg.Value = nil
	if flags&hasValue != 0 {
		msg.Value = r.copyBytes("value", msg.Value)
	}

	msg.Version = 0
	if flags&hasVersion != 0 {
		msg.Version = r.uint64("version")
	}

	msg.Owner = ""
	if flags&hasOwner != 0 {
		msg.Owner = string(r.bytes("owner"))
	}

	msg.Strategy = ""
	if flags&hasStrategy != 0 {
		msg.Strategy = string(r.bytes("strategy"))
	}

	msg.Timeout = 0
	if flags&hasTimeout != 0 {
		msg.Timeout = r.uint64("timeout")
	}

	msg.Force = flags&isForce != 0
	msg.Forwarded = flags&isForwarded != 0
	msg.Redirected = flags&isRedirected != 0
	msg.Ok = flags&isOk != 0

	msg.Count = 0
	if flags&hasCount != 0 {
		msg.Count = r.uint64("count")
	}

	msg.Code = store.RetCSuccess
	if flags&hasCode != 0 {
		msg.Code = store.RetCode(r.byte("code"))
	}

	msg.Err = ""
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes("error"))
	}

	msg.Meta = nil
	if flags&hasMeta != 0 {
		msg.Meta = r.copyBytes("meta", msg.Meta)
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := binHeaderSize

	// Add sizes for fields that require length encoding
	if msg.Key != "" {
		size += 4 + len(msg.Key) // 4 bytes for length + key string
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Version > 0 {
		size += 8
	}
	if msg.Owner != "" {
		size += 4 + len(msg.Owner)
	}
	if msg.Strategy != "" {
		size += 4 + len(msg.Strategy)
	}
	if msg.Timeout > 0 {
		size += 8
	}
	if msg.Count > 0 {
		size += 8
	}
	if msg.Code != store.RetCSuccess {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

// putBytes writes a length prefixed byte slice and returns the next position
func putBytes(dst []byte, pos int, src []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(src)))
	pos += 4
	copy(dst[pos:pos+len(src)], src)
	return pos + len(src)
}

// binaryReader reads fields sequentially and keeps the first error
type binaryReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binaryReader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *binaryReader) byte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *binaryReader) uint64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

// bytes returns a length prefixed slice that still points into the input
func (r *binaryReader) bytes(field string) []byte {
	if !r.need(4, field+" length") {
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	if !r.need(n, field+" data") {
		return nil
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v
}

// copyBytes is like bytes but copies into dst (reusing its capacity). An empty
// field yields an empty, non-nil slice.
func (r *binaryReader) copyBytes(field string, dst []byte) []byte {
	src := r.bytes(field)
	if r.err != nil {
		return nil
	}
	if dst == nil || cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst
}
