package udpinbound

import (
	"context"
	"net"
	"testing"

	"github.com/ytflow/ytflowcore/flow"
)

// newTestSession builds a session with no kernel Env wired: deliver/
// RecvFrom/Close only hand p.env to flow.ReleaseBuffer, which falls back
// to a plain Release when it is nil, and the session is never admitted,
// so a nil registry.Env (the zero value of plugin.env) is fine for
// exercising them in isolation.
func newTestSession(t *testing.T) *udpSession {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "203.0.113.5:5353")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	p := &plugin{idleTimeout: DefaultIdleTimeout, sessions: make(map[string]*udpSession)}
	return newUDPSession(p, addr, addr.String())
}

// TestUDPSessionDeliverThenRecv covers the basic per-peer queueing
// path: a datagram handed to deliver is later returned by RecvFrom
// tagged with the peer's address.
func TestUDPSessionDeliverThenRecv(t *testing.T) {
	s := newTestSession(t)
	buf := flow.NewBuffer(4)
	copy(buf.Bytes(), []byte("ping"))
	s.deliver(buf)

	peer, got, err := s.RecvFrom(context.Background())
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if peer.Port != 5353 || peer.IP.String() != "203.0.113.5" {
		t.Fatalf("peer = %+v, want 203.0.113.5:5353", peer)
	}
	if string(got.Bytes()) != "ping" {
		t.Fatalf("payload = %q, want %q", got.Bytes(), "ping")
	}
	got.Release()
}

// TestUDPSessionDeliverDropsWhenInboxFull checks that a full inbox
// drops the newest datagram rather than blocking the caller, per
// DatagramSession's lossy, best-effort contract.
func TestUDPSessionDeliverDropsWhenInboxFull(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < sessionInboxSize+5; i++ {
		s.deliver(flow.NewBuffer(1))
	}
	if len(s.inbox) != sessionInboxSize {
		t.Fatalf("inbox len = %d, want %d (full, excess dropped)", len(s.inbox), sessionInboxSize)
	}
	for len(s.inbox) > 0 {
		(<-s.inbox).Release()
	}
}

// TestUDPSessionCloseIsIdempotent covers Close's contract: repeated
// calls are safe, and a RecvFrom on the closed session returns
// ErrCancelled instead of hanging forever.
func TestUDPSessionCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, _, err := s.RecvFrom(context.Background())
	if err != flow.ErrCancelled {
		t.Fatalf("RecvFrom after Close = %v, want ErrCancelled", err)
	}
}

// TestUDPSessionDeliverAfterCloseReleasesBuffer covers the race between
// a late-arriving datagram and a session that has already been reaped
// (idle timeout, cancellation): deliver must release the buffer rather
// than leak it or panic writing to a torn-down session.
func TestUDPSessionDeliverAfterCloseReleasesBuffer(t *testing.T) {
	s := newTestSession(t)
	s.Close()
	s.deliver(flow.NewBuffer(1))
	if len(s.inbox) != 0 {
		t.Fatalf("expected no buffer queued on a closed session, got %d", len(s.inbox))
	}
}

func TestDestinationToUDPAddrRejectsUnresolvedName(t *testing.T) {
	_, err := destinationToUDPAddr(flow.Destination{Name: "example.com", Port: 53})
	if err == nil {
		t.Fatal("expected error for a destination with no resolved IP")
	}
}

func TestDestinationToUDPAddrAcceptsResolvedIP(t *testing.T) {
	addr, err := destinationToUDPAddr(flow.Destination{IP: net.ParseIP("198.51.100.9"), Port: 53})
	if err != nil {
		t.Fatalf("destinationToUDPAddr: %v", err)
	}
	if addr.Port != 53 || addr.IP.String() != "198.51.100.9" {
		t.Fatalf("addr = %+v, want 198.51.100.9:53", addr)
	}
}
