package flow

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestNetConnStreamFlowTransmitAndReceive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cf := NewNetConnStreamFlow(client)
	sf := NewNetConnStreamFlow(server)

	buf := NewBuffer(5)
	copy(buf.Bytes(), "hello")

	done := make(chan error, 1)
	go func() { done <- cf.Transmit(context.Background(), buf) }()

	ticket, err := sf.RequestReceive(context.Background(), 0)
	if err != nil {
		t.Fatalf("RequestReceive: %v", err)
	}
	got, err := ticket.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got.Bytes()) != "hello" {
		t.Fatalf("got %q, want %q", got.Bytes(), "hello")
	}
	got.Release()

	if err := <-done; err != nil {
		t.Fatalf("Transmit: %v", err)
	}
}

// TestNetConnStreamFlowTransmitCancelDoesNotRaceBuffer cancels a
// Transmit whose write goroutine is still blocked inside conn.Write
// (net.Pipe is unbuffered and has no reader draining it), then closes
// the conn to unblock that goroutine. The buffer must not be released
// back to the pool while the write goroutine still holds a reference
// to its backing array; running under -race must not report anything.
func TestNetConnStreamFlowTransmitCancelDoesNotRaceBuffer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	f := NewNetConnStreamFlow(client)
	buf := NewBuffer(5)
	buf.Append([]byte("hello"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.Transmit(ctx, buf); err != ErrCancelled {
		t.Fatalf("Transmit = %v, want ErrCancelled", err)
	}

	// Unblock the still-running write goroutine so its deferred release
	// actually runs; give it a moment to finish before the test exits.
	client.Close()
	time.Sleep(10 * time.Millisecond)
}

// TestNetConnStreamFlowReceiveCancelDoesNotRaceBuffer mirrors the
// Transmit case for fulfill's read goroutine.
func TestNetConnStreamFlowReceiveCancelDoesNotRaceBuffer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	f := NewNetConnStreamFlow(client)

	ctx, cancel := context.WithCancel(context.Background())
	ticket, err := f.RequestReceive(ctx, 16)
	if err != nil {
		t.Fatalf("RequestReceive: %v", err)
	}
	cancel()

	if _, err := ticket.Await(context.Background()); err != ErrCancelled {
		t.Fatalf("Await = %v, want ErrCancelled", err)
	}

	client.Close()
	time.Sleep(10 * time.Millisecond)
}

func TestNetConnStreamFlowCloseWriteIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	f := NewNetConnStreamFlow(client)
	if err := f.CloseWrite(context.Background()); err != nil {
		t.Fatalf("CloseWrite 1: %v", err)
	}
	if err := f.CloseWrite(context.Background()); err != nil {
		t.Fatalf("CloseWrite 2: %v", err)
	}
}

func TestNetConnStreamFlowAbortIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	f := NewNetConnStreamFlow(client)
	if err := f.Abort(); err != nil {
		t.Fatalf("Abort 1: %v", err)
	}
	if err := f.Abort(); err != nil {
		t.Fatalf("Abort 2: %v", err)
	}
}
