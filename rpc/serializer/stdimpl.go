package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"sync"

	"github.com/ValentinKolb/dCtx/rpc/common"
)

// NewJSONSerializer creates a serializer that writes messages as json. Payloads
// appear base64 encoded, everything else stays readable on the wire.
func NewJSONSerializer() IRPCSerializer {
	return &stdSerializerImpl{
		encode: func(buf *bytes.Buffer, msg common.Message) error {
			return json.NewEncoder(buf).Encode(msg)
		},
		decode: func(b []byte, msg *common.Message) error {
			*msg = common.Message{}
			return json.Unmarshal(b, msg)
		},
	}
}

// NewGOBSerializer creates a serializer using gob. Every message carries its
// own type description, so the output is the largest of all formats.
func NewGOBSerializer() IRPCSerializer {
	return &stdSerializerImpl{
		encode: func(buf *bytes.Buffer, msg common.Message) error {
			return gob.NewEncoder(buf).Encode(msg)
		},
		decode: func(b []byte, msg *common.Message) error {
			*msg = common.Message{}
			return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
		},
	}
}

// stdSerializerImpl adapts the encoders of the standard library to IRPCSerializer
type stdSerializerImpl struct {
	encode func(*bytes.Buffer, common.Message) error
	decode func([]byte, *common.Message) error
}

var encodeBuffers = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (s *stdSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	buf := encodeBuffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer encodeBuffers.Put(buf)

	if err := s.encode(buf, msg); err != nil {
		return nil, err
	}
	// the buffer goes back to the pool, the caller gets its own copy
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (s *stdSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return s.decode(b, msg)
}
