package reassembly

import (
	"bytes"
	"strings"
	"testing"

	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/seqnum"
)

type recordingObserver struct {
	drops     map[DropReason]int
	evicted   int
	assembled int
	bytes     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{drops: make(map[DropReason]int)}
}

func (o *recordingObserver) FragmentDropped(reason DropReason) { o.drops[reason]++ }
func (o *recordingObserver) MessageEvicted()                   { o.evicted++ }
func (o *recordingObserver) MessageAssembled(size int) {
	o.assembled++
	o.bytes += size
}

func encodeMessage(t *testing.T, payload string) []byte {
	t.Helper()

	data, err := protocol.EncodeRoutingMessage(&protocol.RoutingMessage{
		OnwardRoute: []string{"10.0.0.2:4000"},
		ReturnRoute: []string{"10.0.0.1:4000"},
		Payload:     []byte(payload),
	})
	if err != nil {
		t.Fatalf("EncodeRoutingMessage() error = %v", err)
	}
	return data
}

func TestWindow_EvictionScenario(t *testing.T) {
	obs := newRecordingObserver()
	w := NewWindow(100, WithObserver(obs))

	if rm := w.Absorb(protocol.NewFragment(100, 0, 2, bytes.Repeat([]byte{1}, 8))); rm != nil {
		t.Fatal("incomplete message returned a routing message")
	}
	if w.State(0) != SlotInProgress {
		t.Fatalf("State(0) = %v, want %v", w.State(0), SlotInProgress)
	}

	rm := w.Absorb(protocol.NewFragment(106, 0, 1, encodeMessage(t, "hello")))
	if rm == nil {
		t.Fatal("expected routing message for sequence 106")
	}
	if string(rm.Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", rm.Payload, "hello")
	}
	if w.Oldest() != 102 {
		t.Errorf("Oldest() = %d, want 102", w.Oldest())
	}
	if obs.evicted != 1 {
		t.Errorf("evicted = %d, want 1", obs.evicted)
	}
	if w.State(4) != SlotCompleted {
		t.Errorf("State(4) = %v, want %v", w.State(4), SlotCompleted)
	}
	for i := 0; i < 4; i++ {
		if w.State(i) != SlotEmpty {
			t.Errorf("State(%d) = %v, want %v", i, w.State(i), SlotEmpty)
		}
	}
	if w.PooledBuffers() == 0 {
		t.Error("evicted and completed buffers were not recycled")
	}
}

func TestWindow_LateDrop(t *testing.T) {
	obs := newRecordingObserver()
	w := NewWindow(200, WithObserver(obs))

	if rm := w.Absorb(protocol.NewFragment(150, 0, 1, encodeMessage(t, "late"))); rm != nil {
		t.Error("late fragment returned a routing message")
	}
	if w.Oldest() != 200 {
		t.Errorf("Oldest() = %d, want 200", w.Oldest())
	}
	for i := 0; i < WindowSize; i++ {
		if w.State(i) != SlotEmpty {
			t.Errorf("State(%d) = %v, want %v", i, w.State(i), SlotEmpty)
		}
	}
	if obs.drops[DropLate] != 1 {
		t.Errorf("late drops = %d, want 1", obs.drops[DropLate])
	}
}

func TestWindow_Tombstone(t *testing.T) {
	obs := newRecordingObserver()
	w := NewWindow(300, WithObserver(obs))

	data := encodeMessage(t, "once")
	if rm := w.Absorb(protocol.NewFragment(300, 0, 1, data)); rm == nil {
		t.Fatal("expected routing message for sequence 300")
	}
	if rm := w.Absorb(protocol.NewFragment(300, 0, 1, data)); rm != nil {
		t.Error("resent fragment delivered the message twice")
	}
	if w.State(0) != SlotCompleted {
		t.Errorf("State(0) = %v, want %v", w.State(0), SlotCompleted)
	}
	if w.Oldest() != 300 {
		t.Errorf("Oldest() = %d, want 300", w.Oldest())
	}
	if obs.drops[DropCompleted] != 1 {
		t.Errorf("completed drops = %d, want 1", obs.drops[DropCompleted])
	}
	if obs.assembled != 1 {
		t.Errorf("assembled = %d, want 1", obs.assembled)
	}
}

func TestWindow_OutOfOrderWithinWindow(t *testing.T) {
	w := NewWindow(10)

	var parts [][]*protocol.Fragment
	for i := 0; i < WindowSize; i++ {
		data := encodeMessage(t, string(rune('a'+i)))
		parts = append(parts, split(t, seqnum.Number(10+i), data, 8))
	}

	// Interleave the messages newest first.
	var delivered []string
	for round := 0; ; round++ {
		fed := false
		for i := WindowSize - 1; i >= 0; i-- {
			if round >= len(parts[i]) {
				continue
			}
			fed = true
			if rm := w.Absorb(parts[i][round]); rm != nil {
				delivered = append(delivered, string(rm.Payload))
			}
		}
		if !fed {
			break
		}
	}

	if len(delivered) != WindowSize {
		t.Fatalf("delivered %d messages, want %d: %v", len(delivered), WindowSize, delivered)
	}
	if w.Oldest() != 10 {
		t.Errorf("Oldest() = %d, want 10", w.Oldest())
	}
}

func TestWindow_LargeJump(t *testing.T) {
	obs := newRecordingObserver()
	w := NewWindow(1, WithObserver(obs))

	w.Absorb(protocol.NewFragment(1, 0, 2, []byte("partial")))
	w.Absorb(protocol.NewFragment(3, 0, 2, []byte("partial")))

	rm := w.Absorb(protocol.NewFragment(1000, 0, 1, encodeMessage(t, "far")))
	if rm == nil {
		t.Fatal("expected routing message for sequence 1000")
	}
	if w.Oldest() != 1000-WindowSize+1 {
		t.Errorf("Oldest() = %d, want %d", w.Oldest(), 1000-WindowSize+1)
	}
	if obs.evicted != 2 {
		t.Errorf("evicted = %d, want 2", obs.evicted)
	}
	if w.State(WindowSize-1) != SlotCompleted {
		t.Errorf("State(%d) = %v, want %v", WindowSize-1, w.State(WindowSize-1), SlotCompleted)
	}
}

func TestWindow_Wraparound(t *testing.T) {
	w := NewWindow(65534)

	for _, seq := range []seqnum.Number{65534, 65535, 0, 1, 2, 3} {
		rm := w.Absorb(protocol.NewFragment(seq, 0, 1, encodeMessage(t, seq.String())))
		if rm == nil {
			t.Fatalf("sequence %d: expected routing message", seq)
		}
		if string(rm.Payload) != seq.String() {
			t.Errorf("sequence %d: Payload = %q", seq, rm.Payload)
		}
	}

	if w.Oldest() != 65535 {
		t.Errorf("Oldest() = %d, want 65535", w.Oldest())
	}
	if rm := w.Absorb(protocol.NewFragment(65534, 0, 1, encodeMessage(t, "late"))); rm != nil {
		t.Error("fragment behind the wrapped window was accepted")
	}
}

func TestWindow_DecodeFailureLeavesTombstone(t *testing.T) {
	obs := newRecordingObserver()
	w := NewWindow(7, WithObserver(obs))

	if rm := w.Absorb(protocol.NewFragment(7, 0, 1, []byte{0xFF, 0x00})); rm != nil {
		t.Fatal("garbage decoded as a routing message")
	}
	if w.State(0) != SlotCompleted {
		t.Errorf("State(0) = %v, want %v", w.State(0), SlotCompleted)
	}
	if obs.drops[DropDecodeFailed] != 1 {
		t.Errorf("decode failures = %d, want 1", obs.drops[DropDecodeFailed])
	}
	if obs.assembled != 0 {
		t.Errorf("assembled = %d, want 0", obs.assembled)
	}
}

func TestWindow_InvalidFragmentsReported(t *testing.T) {
	obs := newRecordingObserver()
	w := NewWindow(0, WithObserver(obs))

	w.Absorb(protocol.NewFragment(0, 0, 3, []byte("aa")))
	w.Absorb(protocol.NewFragment(0, 0, 3, []byte("aa")))
	w.Absorb(protocol.NewFragment(0, 1, 4, []byte("bb")))
	w.Absorb(protocol.NewFragment(0, 5, 3, []byte("cc")))

	tests := []struct {
		reason DropReason
		want   int
	}{
		{DropDuplicate, 1},
		{DropTotalMismatch, 1},
		{DropOffsetOutOfRange, 1},
	}
	for _, tt := range tests {
		if got := obs.drops[tt.reason]; got != tt.want {
			t.Errorf("drops[%s] = %d, want %d", tt.reason, got, tt.want)
		}
	}
	if w.State(0) != SlotInProgress {
		t.Errorf("State(0) = %v, want %v", w.State(0), SlotInProgress)
	}
}

func TestWindow_BuffersReused(t *testing.T) {
	w := NewWindow(0)

	for seq := seqnum.Number(0); seq < 50; seq++ {
		data := encodeMessage(t, string(bytes.Repeat([]byte("z"), int(seq))))
		for _, f := range split(t, seq, data, 16) {
			w.Absorb(f)
		}
	}

	if got := w.PooledBuffers(); got < 1 || got > WindowSize {
		t.Errorf("PooledBuffers() = %d, want between 1 and %d", got, WindowSize)
	}
}

func TestWindow_LogsDropReason(t *testing.T) {
	var buf bytes.Buffer
	w := NewWindow(200, WithLogger(logging.NewLoggerWithWriter("debug", "text", &buf)))

	w.Absorb(protocol.NewFragment(150, 0, 1, []byte{1}))

	if !strings.Contains(buf.String(), "reason=late") {
		t.Errorf("late drop log missing reason: %s", buf.String())
	}
}

func TestWindow_StateOutOfRange(t *testing.T) {
	w := NewWindow(400)
	w.Absorb(protocol.NewFragment(400, 0, 2, []byte{1}))

	if w.State(0) != SlotInProgress {
		t.Fatalf("State(0) = %v, want %v", w.State(0), SlotInProgress)
	}
	for _, i := range []int{-1, WindowSize, WindowSize + 10} {
		if got := w.State(i); got != SlotEmpty {
			t.Errorf("State(%d) = %v, want %v", i, got, SlotEmpty)
		}
	}
}

func TestSlotState_String(t *testing.T) {
	tests := []struct {
		state SlotState
		want  string
	}{
		{SlotEmpty, "EMPTY"},
		{SlotInProgress, "IN_PROGRESS"},
		{SlotCompleted, "COMPLETED"},
		{SlotState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("SlotState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
