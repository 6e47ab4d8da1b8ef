package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/spindle-proxy/spindle/internal/testutil"
)

func TestCopyBidirectionalRelaysBothDirections(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	originSide, originPeer := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = CopyBidirectional(context.Background(), clientPeer, originPeer)
	}()

	go func() { _, _ = clientSide.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(originSide, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("client->origin: got %q", string(buf))
	}

	go func() { _, _ = originSide.Write([]byte("pong")) }()
	if _, err := io.ReadFull(clientSide, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "pong" {
		t.Fatalf("origin->client: got %q", string(buf))
	}

	// Closing the origin side must close the client side promptly.
	_ = originSide.Close()

	_ = clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Read(buf); err != io.EOF {
		t.Fatalf("client side after origin close: got %v, want EOF", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate after close")
	}
}

func TestCopyBidirectionalClientCloseClosesOrigin(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	originSide, originPeer := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = CopyBidirectional(context.Background(), clientPeer, originPeer)
	}()

	_ = clientSide.Close()

	buf := make([]byte, 1)
	_ = originSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := originSide.Read(buf); err != io.EOF {
		t.Fatalf("origin side after client close: got %v, want EOF", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate after close")
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	left, err := net.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	right, err := net.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = CopyBidirectional(ctx, left, right)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate after context cancel")
	}
}
