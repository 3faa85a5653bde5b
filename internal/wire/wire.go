// Package wire frames page images for the persistent tier.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version  byte = 1
	kindPage byte = 1

	hdrLen = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("triecache: corrupt page frame")
	magic      = [...]byte{'T', 'R', 'I', 'E'}
)

// Frame is a decoded page entry: the namespace epoch and page generation it
// was written under, and the encoded image.
type Frame struct {
	Epoch   uint64
	Gen     uint64
	Payload []byte
}

// EncodePage lays out
//
//	magic(4) | ver(1) | kind(1) | epoch(u64 be) | gen(u64 be) | len(u32 be) | payload(len)
func EncodePage(f Frame) ([]byte, error) {
	if uint64(len(f.Payload)) > 0xFFFFFFFF {
		return nil, ErrCorrupt
	}
	b := make([]byte, hdrLen, hdrLen+len(f.Payload))
	copy(b, magic[:])
	b[4] = version
	b[5] = kindPage
	binary.BigEndian.PutUint64(b[6:14], f.Epoch)
	binary.BigEndian.PutUint64(b[14:22], f.Gen)
	binary.BigEndian.PutUint32(b[22:26], uint32(len(f.Payload)))
	return append(b, f.Payload...), nil
}

// DecodePage is strict: any header mismatch, short payload or trailing byte
// is ErrCorrupt. The payload aliases b.
func DecodePage(b []byte) (Frame, error) {
	if len(b) < hdrLen || !bytes.Equal(b[:4], magic[:]) || b[4] != version || b[5] != kindPage {
		return Frame{}, ErrCorrupt
	}
	n := binary.BigEndian.Uint32(b[22:26])
	if uint64(n) != uint64(len(b)-hdrLen) {
		return Frame{}, ErrCorrupt
	}
	return Frame{
		Epoch:   binary.BigEndian.Uint64(b[6:14]),
		Gen:     binary.BigEndian.Uint64(b[14:22]),
		Payload: b[hdrLen:],
	}, nil
}
