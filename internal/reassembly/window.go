package reassembly

import (
	"log/slog"

	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/seqnum"
)

// WindowSize is the number of sequence numbers a peer may have in flight.
const WindowSize = 5

// SlotState is the state of one window slot.
type SlotState int

const (
	// SlotEmpty means no fragment of the slot's sequence number has arrived.
	SlotEmpty SlotState = iota
	// SlotInProgress means the message is partially received.
	SlotInProgress
	// SlotCompleted is a tombstone for a message already delivered.
	SlotCompleted
)

// String returns a human-readable name for the state.
func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "EMPTY"
	case SlotInProgress:
		return "IN_PROGRESS"
	case SlotCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

type slot struct {
	state SlotState
	msg   *Message
}

// Window holds the pending routing messages of one peer.
//
// Slot i holds sequence number oldest+i. A fragment newer than the window
// slides it forward, dropping whatever did not complete in time; a fragment
// older than the window is dropped. Only in-order traffic within WindowSize
// messages is guaranteed to be assembled.
type Window struct {
	oldest   seqnum.Number
	slots    [WindowSize]slot
	buffers  freeList[[]byte]
	logger   *slog.Logger
	observer Observer
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithLogger sets the logger used for drop diagnostics.
func WithLogger(logger *slog.Logger) WindowOption {
	return func(w *Window) {
		w.logger = logger
	}
}

// WithObserver sets the observer notified of drops and completions.
func WithObserver(o Observer) WindowOption {
	return func(w *Window) {
		w.observer = o
	}
}

// NewWindow creates a window whose oldest accepted sequence number is oldest,
// normally the sequence number of the first fragment received from the peer.
func NewWindow(oldest seqnum.Number, opts ...WindowOption) *Window {
	w := &Window{
		oldest:   oldest,
		buffers:  newFreeList[[]byte](WindowSize),
		logger:   logging.NopLogger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Oldest returns the oldest sequence number the window still accepts.
func (w *Window) Oldest() seqnum.Number {
	return w.oldest
}

// State returns the state of the slot holding sequence number oldest+i.
// Offsets outside [0, WindowSize) report SlotEmpty.
func (w *Window) State(i int) SlotState {
	if i < 0 || i >= WindowSize {
		return SlotEmpty
	}
	return w.slots[i].state
}

// PooledBuffers returns the number of buffers waiting for reuse.
func (w *Window) PooledBuffers() int {
	return w.buffers.len()
}

// Absorb adds a fragment and returns the routing message it completes, or
// nil. Fragments that are late, duplicated, inconsistent or that complete an
// undecodable message are dropped without error.
func (w *Window) Absorb(f *protocol.Fragment) *protocol.RoutingMessage {
	w.logger.Debug("received fragment",
		logging.KeySequence, f.Sequence,
		logging.KeyOffset, f.Offset)

	if f.Sequence.Less(w.oldest) {
		w.logger.Debug("dropping fragment that arrived late",
			logging.KeySequence, f.Sequence,
			logging.KeyOffset, f.Offset,
			"oldest", w.oldest,
			logging.KeyReason, DropLate)
		w.observer.FragmentDropped(DropLate)
		return nil
	}

	diff := f.Sequence.Sub(w.oldest)
	if diff >= WindowSize {
		w.advance(diff-WindowSize+1, f.Sequence)
		diff = WindowSize - 1
	}

	s := &w.slots[diff]

	var msg *Message
	switch s.state {
	case SlotEmpty:
		msg = NewMessage(f.Sequence, f.Total, w.buffers.get(), w.logger)
	case SlotInProgress:
		msg = s.msg
	case SlotCompleted:
		w.logger.Debug("dropping fragment of delivered message",
			logging.KeySequence, f.Sequence,
			logging.KeyOffset, f.Offset,
			logging.KeyReason, DropCompleted)
		w.observer.FragmentDropped(DropCompleted)
		return nil
	}

	data, reason := msg.absorb(f)
	if reason != "" {
		w.observer.FragmentDropped(reason)
	}

	if data == nil {
		*s = slot{state: SlotInProgress, msg: msg}
		return nil
	}

	*s = slot{state: SlotCompleted}

	rm, err := protocol.DecodeRoutingMessage(data)
	size := len(data)
	w.recycle(data)

	if err != nil {
		w.logger.Error("error while decoding routing message",
			logging.KeySequence, f.Sequence,
			logging.KeyError, err,
			logging.KeyReason, DropDecodeFailed)
		w.observer.FragmentDropped(DropDecodeFailed)
		return nil
	}

	w.observer.MessageAssembled(size)
	return rm
}

// advance slides the window forward by shift sequence numbers, dropping the
// slots that fall out of it. At most WindowSize slots are dropped even when
// the shift is larger; the oldest accepted number always moves by shift so
// that newest lands in the last slot.
func (w *Window) advance(shift uint16, newest seqnum.Number) {
	drop := int(min(shift, WindowSize))

	for i := 0; i < drop; i++ {
		s := w.slots[i]
		w.slots[i] = slot{}

		switch s.state {
		case SlotInProgress:
			w.logger.Debug("discarding partially received message because a newer message has arrived",
				logging.KeySequence, w.oldest.Add(uint16(i)),
				"newer", newest,
				"missing", s.msg.Missing())
			w.recycle(s.msg.discard())
			w.observer.MessageEvicted()
		case SlotEmpty:
			w.logger.Debug("discarding message that was never received because a newer message has arrived",
				logging.KeySequence, w.oldest.Add(uint16(i)),
				"newer", newest)
		}
	}

	if drop < WindowSize {
		copy(w.slots[:], w.slots[drop:])
		for i := WindowSize - drop; i < WindowSize; i++ {
			w.slots[i] = slot{}
		}
	}

	w.oldest = w.oldest.Add(shift)
}

// recycle returns buf to the free list. Decoding copies what it keeps, so a
// completed message's buffer can be reused as soon as it has been decoded.
func (w *Window) recycle(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	w.buffers.put(buf[:0])
}
