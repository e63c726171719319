package flow

import "context"

// DatagramSession is a bounded, unreliable, message-oriented session
// with a destination per message. Order is preserved per-peer on a
// best-effort basis only; there is no reorder buffer, and ordering
// under NAT rebinding is left to implementers.
type DatagramSession interface {
	// RecvFrom suspends until a datagram arrives, returning its
	// sender/peer address and the payload buffer. Concurrent RecvFrom
	// calls on the same session are not supported; callers wanting
	// fan-out must serialize through one reader task.
	RecvFrom(ctx context.Context) (peer Destination, buf *Buffer, err error)

	// SendTo attempts to deliver buf to peer. If the session's bounded
	// internal buffer is full, the message is dropped and ErrWouldBlock
	// is returned rather than queuing further. Ownership of buf
	// transfers to the session regardless of outcome.
	SendTo(ctx context.Context, peer Destination, buf *Buffer) error

	// Close releases the session's bound resources (sockets, pending
	// buffers). Idempotent.
	Close() error
}

// ErrWouldBlock is returned by SendTo when a session's bounded buffer
// is full and the datagram was dropped rather than queued.
var ErrWouldBlock = ErrInErr{Kind: KindFlow, ErrDesc: "would block, datagram dropped"}
