package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/postalsys/meshudp/internal/seqnum"
)

var (
	// ErrInvalidFragment is returned when a datagram does not hold a well-formed fragment.
	ErrInvalidFragment = errors.New("invalid fragment")

	// ErrUnsupportedVersion is returned for fragments tagged with an unknown protocol version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrInvalidMessage is returned when reassembled bytes do not decode to a routing message.
	ErrInvalidMessage = errors.New("invalid routing message")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  4,
		MaxArrayElements: 65536,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decoder: %v", err))
	}
}

// Fragment is one transmitted piece of a routing message.
//
// Wire format (CBOR array):
//
//	[version u8, sequence u16, offset u16, total u16, payload bytes]
//
// Total is the number of fragments of the whole message and Offset is the
// zero-based index of this fragment, so Offset < Total for valid fragments.
type Fragment struct {
	_ struct{} `cbor:",toarray"`

	Version  uint8
	Sequence seqnum.Number
	Offset   uint16
	Total    uint16
	Payload  []byte
}

// NewFragment returns a fragment tagged with CurrentVersion.
func NewFragment(seq seqnum.Number, offset, total uint16, payload []byte) *Fragment {
	return &Fragment{
		Version:  CurrentVersion,
		Sequence: seq,
		Offset:   offset,
		Total:    total,
		Payload:  payload,
	}
}

// IsLast reports whether f is the final fragment of its message.
func (f *Fragment) IsLast() bool {
	return f.Offset+1 == f.Total
}

// EncodeFragment serializes a fragment into a datagram.
func EncodeFragment(f *Fragment) ([]byte, error) {
	buf, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode fragment: %w", err)
	}
	return buf, nil
}

// DecodeFragment parses a datagram. The returned payload never aliases buf,
// so buf may be reused as soon as DecodeFragment returns.
func DecodeFragment(buf []byte) (*Fragment, error) {
	f := &Fragment{}
	if err := decMode.Unmarshal(buf, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFragment, err)
	}

	if f.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}

	return f, nil
}

// String returns a debug representation of the fragment.
func (f *Fragment) String() string {
	return fmt.Sprintf("Fragment{Version=%d, Sequence=%d, Offset=%d/%d, PayloadLen=%d}",
		f.Version, f.Sequence, f.Offset, f.Total, len(f.Payload))
}
