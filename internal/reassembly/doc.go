// Package reassembly rebuilds routing messages from UDP fragments.
//
// A Message collects the fragments of one sequence number. A Window keeps a
// fixed number of Messages per remote peer, indexed by distance from the
// oldest sequence number still accepted, and slides forward as newer sequence
// numbers arrive. Messages that fall out of the window are dropped and their
// buffers reused; nothing is ever retransmitted or waited for.
//
// # Thread Safety
//
// Neither type is synchronized. A Window and the Messages inside it belong to
// a single goroutine, typically the worker that serves one peer.
package reassembly
