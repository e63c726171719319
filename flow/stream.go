package flow

import "context"

// ReceiveTicket grants the caller of RequestReceive the right to have
// exactly one buffer delivered to it. It exists so a consumer can
// reserve headroom (by choosing the ticket's HintSize / a desired
// allocation shape) before the producer actually has bytes to give it,
// enabling zero-copy decapsulation: a TLS record layer can ask for a
// ticket sized to the next record, commit the decrypted plaintext into
// the very buffer its caller will read from, no intermediate copy.
type ReceiveTicket struct {
	id      uint64
	hint    int
	commitC chan commitResult
}

type commitResult struct {
	buf *Buffer
	err error
}

// HintSize is the size the consumer suggested when requesting the
// ticket; a producer is free to ignore it but should use it to size
// its own read when it can.
func (t ReceiveTicket) HintSize() int { return t.hint }

// StreamFlow is an ordered, reliable byte stream with independent
// half-close, the runtime's generalization over TLS tunnels,
// WebSocket-wrapped connections, smux streams or raw TCP sockets alike.
// Every operation is a suspension point: it must honor ctx cancellation
// and return ErrCancelled promptly once ctx is done, even if the
// underlying transport has no native cancellation (in which case an
// implementation races the transport op against ctx.Done in a separate
// goroutine).
type StreamFlow interface {
	// RequestReceive asks to be handed the next buffer of data, up to
	// hintSize bytes. Only one ticket may be outstanding per half at a
	// time; requesting a second before the first is committed is a
	// programmer error that implementations should catch
	// (NetConnStreamFlow rejects it via its pending-ticket field).
	RequestReceive(ctx context.Context, hintSize int) (ReceiveTicket, error)

	// CommitReceive fulfills a pending ticket with buf, transferring
	// ownership of buf to whoever issued the ticket. It is called by
	// the producer side of the flow, not typically by the same caller
	// that issued RequestReceive (those two calls happen on opposite
	// sides of a socket-inbound / outbound pairing that share a single
	// StreamFlow instance over a duplex transport).
	CommitReceive(ticket ReceiveTicket, buf *Buffer, err error)

	// Transmit suspends until buf is accepted by the downstream peer,
	// honoring backpressure; ownership of buf transfers to the flow,
	// which releases it once sent (or on error).
	Transmit(ctx context.Context, buf *Buffer) error

	// CloseWrite half-closes the write direction. Idempotent: calling
	// it twice must not error.
	CloseWrite(ctx context.Context) error

	// Abort tears down both directions immediately. Idempotent: abort
	// on an already-terminated flow is a no-op returning nil.
	Abort() error
}

// Await blocks on a ticket's fulfillment, a convenience used by
// consumers that issued RequestReceive and now want the buffer. It is
// not part of the StreamFlow interface itself (tickets are plain
// values, not flow-bound) so implementations of StreamFlow are free to
// fulfill a ticket synchronously within RequestReceive for transports
// that have data already available.
func (t ReceiveTicket) Await(ctx context.Context) (*Buffer, error) {
	select {
	case r := <-t.commitC:
		return r.buf, r.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// NewReceiveTicket is used by StreamFlow implementations to construct
// a ticket paired with the channel CommitReceive will deliver on.
func NewReceiveTicket(id uint64, hintSize int) ReceiveTicket {
	return ReceiveTicket{id: id, hint: hintSize, commitC: make(chan commitResult, 1)}
}

// Fulfill is the producer-side counterpart of Await; a StreamFlow
// implementation's CommitReceive method should call this once it has
// (or fails to get) the buffer for this ticket.
func (t ReceiveTicket) Fulfill(buf *Buffer, err error) {
	t.commitC <- commitResult{buf: buf, err: err}
}

// ID distinguishes tickets issued by the same flow, used by
// implementations to reject a CommitReceive that doesn't match the
// single outstanding ticket.
func (t ReceiveTicket) ID() uint64 { return t.id }
