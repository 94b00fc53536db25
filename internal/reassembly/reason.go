package reassembly

// DropReason explains why a fragment or a whole message was discarded.
type DropReason string

const (
	// DropLate marks a fragment older than the window.
	DropLate DropReason = "late"
	// DropCompleted marks a fragment for a message that was already delivered.
	DropCompleted DropReason = "completed"
	// DropTotalMismatch marks a fragment whose total differs from earlier fragments.
	DropTotalMismatch DropReason = "total_mismatch"
	// DropOffsetOutOfRange marks a fragment whose offset is not below its total.
	DropOffsetOutOfRange DropReason = "offset_out_of_range"
	// DropDuplicate marks a fragment whose offset was already received.
	DropDuplicate DropReason = "duplicate"
	// DropDuplicateLastPart marks a second final fragment.
	DropDuplicateLastPart DropReason = "duplicate_last_part"
	// DropOversized marks a fragment that would grow the message past the size limit.
	DropOversized DropReason = "oversized"
	// DropDecodeFailed marks reassembled bytes that are not a routing message.
	DropDecodeFailed DropReason = "decode_failed"
)

// Observer is notified of window activity. Implementations must be cheap;
// they run inline on the peer worker.
type Observer interface {
	FragmentDropped(reason DropReason)
	MessageEvicted()
	MessageAssembled(size int)
}

type nopObserver struct{}

func (nopObserver) FragmentDropped(DropReason) {}
func (nopObserver) MessageEvicted()            {}
func (nopObserver) MessageAssembled(int)       {}
