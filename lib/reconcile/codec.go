package reconcile

import "github.com/fxamacker/cbor/v2"

// Deterministic encoding: equal values encode to equal bytes, which Apply relies on
// to detect no-op updates.
var encMode, _ = cbor.CoreDetEncOptions().EncMode()

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(b []byte, v any) error {
	return cbor.Unmarshal(b, v)
}
