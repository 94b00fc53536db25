// Package protocol defines the wire format of the fragmenting UDP transport.
//
// Every datagram carries exactly one Fragment. A logical RoutingMessage is
// serialized once, split into fragments by the sender and rebuilt by the
// receiver before it is decoded again. Both structures are encoded as compact
// CBOR arrays so that every field is self-describing on the wire.
package protocol

// CurrentVersion is the protocol version tag carried by every fragment.
const CurrentVersion uint8 = 1

// Size limits.
const (
	// MaxOnTheWireSize is the datagram size a sender aims for. 508 bytes fits
	// the minimum IPv4 reassembly buffer minus the largest IP and UDP headers,
	// so datagrams are never fragmented at the IP level.
	MaxOnTheWireSize = 508

	// FragmentOverhead bounds the CBOR envelope around a fragment payload:
	// array header, version, three 16-bit integers and the byte string header.
	FragmentOverhead = 16

	// MaxPayloadSize is the default payload carried by one fragment.
	MaxPayloadSize = MaxOnTheWireSize - FragmentOverhead

	// MaxMessageSize is the largest encoded routing message accepted for
	// sending or produced by reassembly (16 MiB).
	MaxMessageSize = 16 * 1024 * 1024

	// MaxDatagramSize is the largest UDP payload read from the socket.
	MaxDatagramSize = 65507
)
