package reassembly

import (
	"log/slog"
	"slices"

	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/seqnum"
)

// Message accumulates the fragments of a single sequence number.
//
// Non-final fragments are copied straight into place, assuming all of them
// carry the same payload length. The final fragment is usually shorter, so
// it is held aside and appended only once every other part has arrived and
// the buffer has its final length.
type Message struct {
	sequence  seqnum.Number
	total     uint16
	missing   []uint64 // bit i set while offset i has not been received
	remaining int
	buf       []byte
	lastPart  []byte
	hasLast   bool
	logger    *slog.Logger
}

// NewMessage starts reassembling sequence seq of total fragments. buf is a
// reusable buffer (its contents are ignored) and may be nil.
func NewMessage(seq seqnum.Number, total uint16, buf []byte, logger *slog.Logger) *Message {
	if logger == nil {
		logger = logging.NopLogger()
	}

	missing := make([]uint64, (int(total)+63)/64)
	for i := 0; i < int(total); i++ {
		missing[i/64] |= 1 << (i % 64)
	}

	return &Message{
		sequence:  seq,
		total:     total,
		missing:   missing,
		remaining: int(total),
		buf:       buf[:0],
		logger:    logger,
	}
}

// Sequence returns the sequence number being reassembled.
func (m *Message) Sequence() seqnum.Number {
	return m.sequence
}

// Total returns the declared fragment count.
func (m *Message) Total() uint16 {
	return m.total
}

// Missing returns how many fragments have not arrived yet.
func (m *Message) Missing() int {
	return m.remaining
}

// Absorb adds a fragment. It returns the complete message bytes once the
// last missing fragment arrives and nil otherwise. Invalid and duplicate
// fragments are logged and ignored. The returned slice is the Message's own
// buffer; the Message must not be used after it completes.
func (m *Message) Absorb(f *protocol.Fragment) []byte {
	data, _ := m.absorb(f)
	return data
}

func (m *Message) absorb(f *protocol.Fragment) ([]byte, DropReason) {
	if f.Total != m.total {
		m.logger.Warn("received fragment with inconsistent total",
			logging.KeySequence, m.sequence,
			logging.KeyTotal, m.total,
			"received_total", f.Total)
		return nil, DropTotalMismatch
	}

	if f.Offset >= m.total {
		m.logger.Warn("received fragment with offset out of range",
			logging.KeySequence, m.sequence,
			logging.KeyOffset, f.Offset,
			logging.KeyTotal, m.total)
		return nil, DropOffsetOutOfRange
	}

	if !m.isMissing(f.Offset) {
		m.logger.Warn("received duplicate fragment",
			logging.KeySequence, m.sequence,
			logging.KeyOffset, f.Offset)
		return nil, DropDuplicate
	}

	if f.IsLast() {
		if m.hasLast {
			return nil, DropDuplicateLastPart
		}
		m.markReceived(f.Offset)
		m.lastPart = append(m.lastPart[:0], f.Payload...)
		m.hasLast = true
	} else {
		begin := int(f.Offset) * len(f.Payload)
		end := begin + len(f.Payload)

		// Placement trusts the sender's fragment size. Garbage produced by an
		// inconsistent peer is rejected when the message is decoded, but the
		// buffer itself must stay within the message size limit.
		if end > protocol.MaxMessageSize {
			m.logger.Warn("received fragment beyond maximum message size",
				logging.KeySequence, m.sequence,
				logging.KeyOffset, f.Offset,
				logging.KeySize, end)
			return nil, DropOversized
		}

		m.markReceived(f.Offset)
		m.grow(end)

		m.logger.Debug("filling message data",
			logging.KeySequence, m.sequence,
			logging.KeyOffset, f.Offset,
			"begin", begin,
			"end", end)
		copy(m.buf[begin:end], f.Payload)
	}

	if m.remaining > 0 {
		return nil, ""
	}

	if m.buf == nil {
		m.buf = []byte{}
	}
	if m.hasLast {
		m.buf = append(m.buf, m.lastPart...)
		m.lastPart = nil
		m.hasLast = false
	}

	return m.buf, ""
}

// discard clears the buffer and hands it back for reuse.
func (m *Message) discard() []byte {
	buf := m.buf[:0]
	m.buf = nil
	m.lastPart = nil
	return buf
}

// grow extends the buffer to n bytes, zeroing any newly exposed region.
func (m *Message) grow(n int) {
	old := len(m.buf)
	if n <= old {
		return
	}
	m.buf = slices.Grow(m.buf, n-old)[:n]
	clear(m.buf[old:])
}

func (m *Message) isMissing(offset uint16) bool {
	return m.missing[offset/64]&(1<<(offset%64)) != 0
}

func (m *Message) markReceived(offset uint16) {
	m.missing[offset/64] &^= 1 << (offset % 64)
	m.remaining--
}
