package codec

import (
	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

// CBOROptions tunes the CBOR codec.
type CBOROptions struct {
	// Deterministic selects Core Deterministic encoding (RFC 8949): equal
	// images encode to equal bytes.
	Deterministic bool
	// MaxRows caps array and map sizes accepted by Decode, bounding the rows
	// of one page image read from a shared tier. 0 keeps the library limit.
	MaxRows int
}

// CBOR serializes with fxamacker/cbor. Construct with NewCBOR or MustCBOR.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

func NewCBOR[V any](o CBOROptions) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if o.Deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, errors.Wrap(err, "codec: cbor encode mode")
	}

	// Duplicate map keys in an image are corruption, not a merge.
	do := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}
	if o.MaxRows > 0 {
		do.MaxArrayElements = max(o.MaxRows, 16)
		do.MaxMapPairs = max(o.MaxRows, 16)
	}
	dm, err := do.DecMode()
	if err != nil {
		return CBOR[V]{}, errors.Wrap(err, "codec: cbor decode mode")
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

// MustCBOR is NewCBOR that panics; meant for tests and package vars.
func MustCBOR[V any](o CBOROptions) CBOR[V] {
	c, err := NewCBOR[V](o)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
