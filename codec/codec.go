// Package codec turns values into bytes for the persistent tier (page
// images) and for stores that keep values as opaque blobs.
package codec

// Codec encodes and decodes values of V.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
