// Package fragment splits outbound routing messages into wire fragments.
package fragment

import (
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/seqnum"
)

var (
	// ErrMessageTooLarge is returned when a message exceeds protocol.MaxMessageSize
	// or would need more fragments than a 16-bit total can express.
	ErrMessageTooLarge = errors.New("message length exceeded")

	// ErrInvalidPayloadSize is returned for a payload size that is not positive
	// or does not fit in a single UDP datagram.
	ErrInvalidPayloadSize = errors.New("invalid fragment payload size")
)

// Fragmenter produces the fragments of one routing message. It is lazy,
// finite and cannot be restarted: each fragment is cut from the message only
// when requested, and once the last one has been produced the Fragmenter is
// exhausted.
type Fragmenter struct {
	sequence    seqnum.Number
	payloadSize int
	offset      uint16
	total       uint16
	data        []byte
}

// New builds a Fragmenter for an already encoded routing message.
//
// The fragment count is len(data)/payloadSize + 1, so a message whose length is
// an exact multiple of payloadSize ends with a zero-length fragment. Receivers
// depend on that final part, so it is kept.
func New(seq seqnum.Number, data []byte, payloadSize int) (*Fragmenter, error) {
	if payloadSize <= 0 || payloadSize > protocol.MaxDatagramSize-protocol.FragmentOverhead {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPayloadSize, payloadSize)
	}
	if len(data) > protocol.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	total := len(data)/payloadSize + 1
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d fragments", ErrMessageTooLarge, total)
	}

	return &Fragmenter{
		sequence:    seq,
		payloadSize: payloadSize,
		total:       uint16(total),
		data:        data,
	}, nil
}

// NewFromMessage encodes msg and builds a Fragmenter for it.
func NewFromMessage(seq seqnum.Number, msg *protocol.RoutingMessage, payloadSize int) (*Fragmenter, error) {
	data, err := protocol.EncodeRoutingMessage(msg)
	if err != nil {
		return nil, err
	}
	return New(seq, data, payloadSize)
}

// Sequence returns the sequence number tagging every fragment.
func (f *Fragmenter) Sequence() seqnum.Number {
	return f.sequence
}

// Total returns the number of fragments of the message.
func (f *Fragmenter) Total() uint16 {
	return f.total
}

// Remaining returns how many fragments have not been produced yet.
func (f *Fragmenter) Remaining() int {
	return int(f.total) - int(f.offset)
}

// Len returns the length of the encoded message.
func (f *Fragmenter) Len() int {
	return len(f.data)
}

// peek returns the fragment at the cursor without advancing it.
func (f *Fragmenter) peek() *protocol.Fragment {
	begin := int(f.offset) * f.payloadSize
	end := begin + f.payloadSize
	if f.offset+1 == f.total {
		end = len(f.data)
	}

	return protocol.NewFragment(f.sequence, f.offset, f.total, f.data[begin:end])
}

// Next returns the next fragment and advances the cursor. It returns false
// once every fragment has been produced. The payload aliases the message.
func (f *Fragmenter) Next() (*protocol.Fragment, bool) {
	if f.offset == f.total {
		return nil, false
	}

	part := f.peek()
	f.offset++
	return part, true
}

// Datagrams yields the remaining fragments encoded as ready-to-send
// datagrams. An encoding failure is yielded as an error and leaves the cursor
// on the failing fragment; the caller decides whether to abort the send.
func (f *Fragmenter) Datagrams() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for f.offset < f.total {
			buf, err := protocol.EncodeFragment(f.peek())
			if err != nil {
				yield(nil, err)
				return
			}

			f.offset++
			if !yield(buf, nil) {
				return
			}
		}
	}
}
