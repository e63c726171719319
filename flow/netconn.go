package flow

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// NetConnStreamFlow adapts a plain net.Conn (raw TCP, a TLS *tls.Conn,
// a smux stream — anything satisfying net.Conn) into a StreamFlow. It
// is the canonical bridge every socket-touching plugin (socket-inbound,
// direct, mux) uses instead of each hand-rolling ticket bookkeeping.
type NetConnStreamFlow struct {
	conn net.Conn
	pool BufferSource

	mu          sync.Mutex
	pending     *ReceiveTicket
	nextID      uint64
	closed      bool
	writeClosed bool
}

// NewNetConnStreamFlow adapts conn with no pool accounting: buffers it
// allocates for reads come from the uncapped size-classed pool
// directly. Prefer NewPooledNetConnStreamFlow wherever a registry.Env
// is available so the buffer pool's cap applies to real traffic.
func NewNetConnStreamFlow(conn net.Conn) *NetConnStreamFlow {
	return &NetConnStreamFlow{conn: conn}
}

// NewPooledNetConnStreamFlow adapts conn like NewNetConnStreamFlow but
// routes every buffer it allocates for a read through pool, so the
// kernel's buffer pool cap is enforced on this flow's data path.
func NewPooledNetConnStreamFlow(conn net.Conn, pool BufferSource) *NetConnStreamFlow {
	return &NetConnStreamFlow{conn: conn, pool: pool}
}

func (f *NetConnStreamFlow) RequestReceive(ctx context.Context, hintSize int) (ReceiveTicket, error) {
	f.mu.Lock()
	if f.pending != nil {
		f.mu.Unlock()
		return ReceiveTicket{}, ErrInErr{Kind: KindInternal, ErrDesc: "RequestReceive called with a ticket already pending"}
	}
	f.nextID++
	t := NewReceiveTicket(f.nextID, hintSize)
	f.pending = &t
	f.mu.Unlock()

	go f.fulfill(ctx, t, hintSize)
	return t, nil
}

func (f *NetConnStreamFlow) fulfill(ctx context.Context, t ReceiveTicket, hintSize int) {
	if hintSize <= 0 {
		hintSize = ClassMedium - DefaultHeadroom
	}
	buf, err := AllocateBuffer(f.pool, hintSize)
	if err != nil {
		f.clearPending()
		t.Fulfill(nil, err)
		return
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := f.conn.Read(buf.Bytes())
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		f.clearPending()
		if r.err != nil {
			ReleaseBuffer(f.pool, buf)
			t.Fulfill(nil, translateReadErr(r.err))
			return
		}
		buf.Resize(r.n)
		t.Fulfill(buf, nil)
	case <-ctx.Done():
		f.clearPending()
		// The read goroutine is still writing into buf.Bytes(); releasing
		// buf now would hand its backing array back to the pool (and
		// another allocation could start reusing it) while that write is
		// still in flight. Defer the release until the goroutine actually
		// reports completion, which it will as soon as the wrapped conn
		// is closed (Abort/CloseWrite, already the normal next step after
		// a cancelled receive).
		go func() {
			<-done
			ReleaseBuffer(f.pool, buf)
		}()
		t.Fulfill(nil, ErrCancelled)
	}
}

func (f *NetConnStreamFlow) clearPending() {
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
}

func translateReadErr(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrEOF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return IOErr(err)
}

// CommitReceive is not used by NetConnStreamFlow: it fulfills its own
// tickets internally from the wrapped net.Conn since there is no
// separate producer side for a raw socket. It exists to satisfy
// StreamFlow for symmetry with producer/consumer-split implementations
// (e.g. a tunnel demux plugin where one goroutine reads the underlying
// multiplexed connection and commits tickets for several logical
// flows); calling it on a NetConnStreamFlow is a programmer error.
func (f *NetConnStreamFlow) CommitReceive(ticket ReceiveTicket, buf *Buffer, err error) {
	ticket.Fulfill(buf, err)
}

func (f *NetConnStreamFlow) Transmit(ctx context.Context, buf *Buffer) error {
	done := make(chan error, 1)
	go func() {
		_, err := f.conn.Write(buf.Bytes())
		done <- err
	}()
	select {
	case err := <-done:
		ReleaseBuffer(f.pool, buf)
		if err != nil {
			return IOErr(err)
		}
		return nil
	case <-ctx.Done():
		// Same reasoning as fulfill's ctx.Done() branch: the write
		// goroutine is still reading buf.Bytes(), so releasing here would
		// race it. Release once it actually finishes instead.
		go func() {
			<-done
			ReleaseBuffer(f.pool, buf)
		}()
		return ErrCancelled
	}
}

// CloseWrite half-closes the write direction. Idempotent regardless of
// what the wrapped net.Conn does on a second CloseWrite call (a raw
// *net.TCPConn's behavior there depends on peer state, e.g. ENOTCONN);
// the flag makes the guarantee unconditional rather than relying on
// the transport.
func (f *NetConnStreamFlow) CloseWrite(ctx context.Context) error {
	f.mu.Lock()
	if f.writeClosed {
		f.mu.Unlock()
		return nil
	}
	f.writeClosed = true
	f.mu.Unlock()

	type halfCloser interface{ CloseWrite() error }
	if hc, ok := f.conn.(halfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			return IOErr(err)
		}
	}
	return nil
}

func (f *NetConnStreamFlow) Abort() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	if err := f.conn.Close(); err != nil {
		return IOErr(err)
	}
	return nil
}

var _ StreamFlow = (*NetConnStreamFlow)(nil)
