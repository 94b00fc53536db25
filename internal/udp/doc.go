// Package udp carries routing messages between nodes over a single UDP socket.
//
// Outbound messages are encoded, tagged with the next sequence number for
// their destination and split into fragments that each fit in one datagram.
// Inbound datagrams are grouped by source address; every remote peer gets a
// worker goroutine that owns its reassembly window and hands completed
// messages to the Handler.
//
// Delivery is best effort. Datagrams are dropped when a peer's inbox is full,
// when the peer exceeds its rate limit, or when the window discards a
// fragment. Nothing is acknowledged or retransmitted.
//
// # Peers
//
// Peer state is held in an LRU cache bounded by Config.MaxPeers. The least
// recently active peer is evicted to make room, and peers idle for longer
// than Config.IdleTimeout are removed by a background sweep. Evicting a peer
// discards any partially received messages.
//
// # Thread Safety
//
// All exported methods of Transport are safe for concurrent use. Handler
// callbacks for one peer are never invoked concurrently, but callbacks for
// different peers are.
package udp
