// Package serializer turns a common.Message into bytes and back. All nodes of a
// cluster and every client talking to it must use the same format, it is chosen
// with the --serializer flag and looked up with ByName.
//
// Formats:
//
//   - binary: a hand written layout. A 16 bit flag field marks which fields are
//     present, booleans are carried by their flag alone. Smallest and fastest,
//     and the default.
//
//   - cbor: the codec the nodes already use for Meta payloads and stored values.
//     Schema free, so non Go tools can read it.
//
//   - json: readable on the wire, useful when debugging with the http transport.
//
//   - gob: kept for completeness. It is the largest and slowest of the four.
//
// Serializers hold no state and can be shared between goroutines.
package serializer
