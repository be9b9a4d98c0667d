package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/fxamacker/cbor/v2"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key      string `json:"key,omitempty"`      // Used for: all key scoped operations
	Value    []byte `json:"value,omitempty"`    // Used for: Put (request), Get (response), Update (diff)
	Version  uint64 `json:"version,omitempty"`  // Used for: conditional writes (expected), responses (current)
	Owner    string `json:"owner,omitempty"`    // Used for: lock owner (request), redirect target (NotOwner response)
	Strategy string `json:"strategy,omitempty"` // Used for: Update, UpdateIfExists
	Timeout  uint64 `json:"timeout,omitempty"`  // Used for: blocking operations, in milliseconds

	// Routing flags
	Force      bool `json:"force,omitempty"`      // Used for: Unlock, Rehash
	Forwarded  bool `json:"forwarded,omitempty"`  // Set by nodes, the receiver must execute the request locally
	Redirected bool `json:"redirected,omitempty"` // Set when the request follows a NotOwner redirect

	// Response fields
	Ok    bool          `json:"ok,omitempty"`    // Used for: Get, Remove, Unlock, Ping responses
	Count uint64        `json:"count,omitempty"` // Used for: Size, Clear, LockInfo, Update (result)
	Code  store.RetCode `json:"code,omitempty"`  // RetCode of the error, RetCSuccess if Err is empty
	Err   string        `json:"err,omitempty"`   // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // cbor encoded payload of cluster operations (batches, tables, queries)
}

// TimeoutDuration returns the Timeout field as a duration.
func (m *Message) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Millisecond
}

// SetError stores err (and its RetCode) in the message.
func (m *Message) SetError(err error) *Message {
	if err == nil {
		return m
	}
	m.Code = store.CodeOf(err)
	var se *store.Error
	if errors.As(err, &se) && error(se) == err {
		m.Err = se.Msg
	} else {
		m.Err = err.Error()
	}
	return m
}

// Error rebuilds the error carried by a response, nil if there is none.
func (m *Message) Error() error {
	if m.MsgType != MsgTError && m.Err == "" && m.Code == store.RetCSuccess {
		return nil
	}
	code := m.Code
	if code == store.RetCSuccess {
		code = store.RetCInternalError
	}
	return store.NewError(code, m.Err)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(e store.Entry, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTGet,
		Key:     e.Key,
		Value:   e.Value,
		Version: e.Version,
		Ok:      ok,
	}
	return msg.SetError(err)
}

// NewPutRequest creates a new Put request
func NewPutRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTPut,
		Key:     key,
		Value:   value,
	}
}

// NewPutIfVersionRequest creates a new conditional Put request
func NewPutIfVersionRequest(key string, value []byte, expected uint64) *Message {
	return &Message{
		MsgType: MsgTPutIfVersion,
		Key:     key,
		Value:   value,
		Version: expected,
	}
}

// NewRemoveRequest creates a new Remove request
func NewRemoveRequest(key string) *Message {
	return &Message{
		MsgType: MsgTRemove,
		Key:     key,
	}
}

// NewRemoveIfVersionRequest creates a new conditional Remove request
func NewRemoveIfVersionRequest(key string, expected uint64) *Message {
	return &Message{
		MsgType: MsgTRemoveIfVersion,
		Key:     key,
		Version: expected,
	}
}

// NewUpdateRequest creates a new Update (or UpdateIfExists) request
func NewUpdateRequest(key, strategy string, diff []byte, ifExists bool) *Message {
	t := MsgTUpdate
	if ifExists {
		t = MsgTUpdateIfExists
	}
	return &Message{
		MsgType:  t,
		Key:      key,
		Strategy: strategy,
		Value:    diff,
	}
}

// NewWriteResponse creates the response of a write: the version after the write and
// whether it changed anything.
func NewWriteResponse(t MessageType, version uint64, ok bool, err error) *Message {
	msg := &Message{
		MsgType: t,
		Version: version,
		Ok:      ok,
	}
	return msg.SetError(err)
}

// NewLockRequest creates a new Lock request
func NewLockRequest(key, owner string, timeout time.Duration) *Message {
	return &Message{
		MsgType: MsgTLock,
		Key:     key,
		Owner:   owner,
		Timeout: uint64(timeout.Milliseconds()),
	}
}

// NewUnlockRequest creates a new Unlock request
func NewUnlockRequest(key, owner string, force bool) *Message {
	return &Message{
		MsgType: MsgTUnlock,
		Key:     key,
		Owner:   owner,
		Force:   force,
	}
}

// NewPingRequest creates a new Ping request
func NewPingRequest() *Message {
	return &Message{
		MsgType: MsgTPing,
	}
}

// NewMetaRequest creates a request whose payload is carried in Meta.
func NewMetaRequest(t MessageType, payload any) (*Message, error) {
	msg := &Message{MsgType: t}
	if payload != nil {
		b, err := EncodeMeta(payload)
		if err != nil {
			return nil, err
		}
		msg.Meta = b
	}
	return msg, nil
}

// NewResponse creates a plain response for t.
func NewResponse(t MessageType, err error) *Message {
	return (&Message{MsgType: t, Ok: err == nil}).SetError(err)
}

// NewNotOwnerResponse redirects the caller to the node that owns the key.
func NewNotOwnerResponse(t MessageType, key, owner string) *Message {
	return &Message{
		MsgType: t,
		Key:     key,
		Owner:   owner,
		Code:    store.RetCNotOwner,
		Err:     fmt.Sprintf("key %q is owned by %s", key, owner),
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err error) *Message {
	return (&Message{MsgType: MsgTError}).SetError(err)
}

// --------------------------------------------------------------------------
// Meta payload codec
// --------------------------------------------------------------------------

// lock records carry their acquisition time, which needs sub-second precision
var metaEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// EncodeMeta encodes a payload for the Meta field.
func EncodeMeta(v any) ([]byte, error) {
	b, err := metaEncMode.Marshal(v)
	if err != nil {
		return nil, store.Errorf(store.RetCSendError, "encode payload: %v", err)
	}
	return b, nil
}

// DecodeMeta decodes the Meta field into v.
func DecodeMeta(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return store.Errorf(store.RetCInvalidOperation, "decode payload: %v", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var msgTypeNames = map[MessageType]string{
	MsgTUnknown:         "unknown",
	MsgTSuccess:         "success",
	MsgTError:           "error",
	MsgTGet:             "get",
	MsgTPut:             "put",
	MsgTPutIfVersion:    "putIfVersion",
	MsgTRemove:          "remove",
	MsgTRemoveIfVersion: "removeIfVersion",
	MsgTUpdate:          "update",
	MsgTUpdateIfExists:  "updateIfExists",
	MsgTClear:           "clear",
	MsgTKeys:            "keys",
	MsgTSize:            "size",
	MsgTLock:            "lock",
	MsgTUnlock:          "unlock",
	MsgTLockInfo:        "lockInfo",
	MsgTPing:            "ping",
	MsgTInfo:            "info",
	MsgTStats:           "stats",
	MsgTHealth:          "health",
	MsgTSync:            "sync",
	MsgTRehash:          "rehash",
	MsgTRehashPrepare:   "rehashPrepare",
	MsgTRehashCommit:    "rehashCommit",
	MsgTRehashAbort:     "rehashAbort",
	MsgTMigrate:         "migrate",
	MsgTQuery:           "query",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for mt, name := range msgTypeNames {
		if name == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Map operations

	MsgTGet             // Get a value by key
	MsgTPut             // Insert or replace a value
	MsgTPutIfVersion    // Write a value if the key is at the expected version
	MsgTRemove          // Remove a key
	MsgTRemoveIfVersion // Remove a key if it is at the expected version
	MsgTUpdate          // Apply a diff, materializing the template on absent keys
	MsgTUpdateIfExists  // Apply a diff if the key holds a value
	MsgTClear           // Remove all keys
	MsgTKeys            // List keys
	MsgTSize            // Count keys

	// Lock operations

	MsgTLock     // Acquire a key lock
	MsgTUnlock   // Release a key lock
	MsgTLockInfo // List held locks

	// Cluster operations

	MsgTPing          // Liveness check
	MsgTInfo          // Membership view and partition table
	MsgTStats         // Node statistics
	MsgTHealth        // Cluster health check
	MsgTSync          // Synchronize
	MsgTRehash        // Ask the coordinator to rehash
	MsgTRehashPrepare // Start migrating to the next table
	MsgTRehashCommit  // Adopt the next table
	MsgTRehashAbort   // Roll back a rehash
	MsgTMigrate       // Batch of migrating entries
	MsgTQuery         // Federated query (per node or merged)
)
