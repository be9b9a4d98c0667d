package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
	"CBOR":   NewCBORSerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Put request forwarded by another node
		{
			MsgType:   common.MsgTPut,
			Key:       "test-key",
			Value:     []byte("test-value"),
			Forwarded: true,
		},

		// Get response
		{
			MsgType: common.MsgTGet,
			Key:     "test-key",
			Value:   []byte("test-value"),
			Version: 3,
			Ok:      true,
		},

		// Redirect
		{
			MsgType:    common.MsgTGet,
			Key:        "test-key",
			Owner:      "node-2",
			Redirected: true,
			Code:       store.RetCNotOwner,
			Err:        "key is owned by node-2",
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Code:    store.RetCTimeout,
			Err:     "test error message",
		},

		// Message with all fields filled
		{
			MsgType:    common.MsgTUpdateIfExists,
			Key:        "test-lock-key",
			Value:      []byte("test-diff"),
			Version:    42,
			Owner:      "tx-1",
			Strategy:   "fieldmap",
			Timeout:    1500,
			Force:      true,
			Forwarded:  true,
			Redirected: true,
			Ok:         true,
			Count:      7,
			Code:       store.RetCConflict,
			Err:        "conflict",
			Meta:       []byte("test-meta-data"),
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestReuseResetsFields tests that decoding into a used message does not leak old fields
func TestReuseResetsFields(t *testing.T) {
	for _, name := range []string{"Binary", "CBOR"} {
		t.Run(name, func(t *testing.T) {
			serializer := testSerializers[name]()
			full := testMessages()[5]

			data, err := serializer.Serialize(common.Message{MsgType: common.MsgTPing})
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			result := full
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if !reflect.DeepEqual(common.Message{MsgType: common.MsgTPing}, result) {
				t.Errorf("Expected a plain ping, got %+v", result)
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	// Test cases for empty or zero values
	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Message with empty strings and zero values",
			msg: common.Message{
				MsgType: common.MsgTPut,
				Value:   []byte{},
				Meta:    []byte{},
			},
		},
		{
			name: "Message with only flags",
			msg: common.Message{
				MsgType:   common.MsgTUnlock,
				Force:     true,
				Forwarded: true,
			},
		},
		{
			name: "Message with empty value slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTPut,
				Key:     "test",
				Value:   []byte{},
			},
		},
		{
			name: "Message with empty meta slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTMigrate,
				Meta:    []byte{},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Serialize
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			// Deserialize
			var result common.Message
			err = serializer.Deserialize(data, &result)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			// nil and empty slices must survive as they are
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("Expected %+v, got %+v", tc.msg, result)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // Message type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 0, 2, 0, 0, 0, 10}, // Claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Missing version",
			data:        []byte{1, 0, 4, 0, 0, 0}, // Version needs 8 bytes
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "gob", "binary", "cbor"} {
		if _, err := ByName(name); err != nil {
			t.Errorf("Expected serializer %s, got error %v", name, err)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Errorf("Expected error for unknown serializer")
	}
}
