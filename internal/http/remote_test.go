package http

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/uni159169/bfs/pkg/rpc"
)

// TestClientServerRoundTrip drives the real rpc.Client against the real
// handler, end to end over HTTP.
func TestClientServerRoundTrip(t *testing.T) {
	node := &fakeSyncNode{}
	srv := httptest.NewServer(NewServer(node, nil, "").createRouter())
	defer srv.Close()

	client := rpc.NewClient(srv.URL, 2*time.Second)
	ctx := context.Background()

	resp, err := client.AppendLog(ctx, 0, []byte("aaaaa"))
	if err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if !resp.Success || resp.Offset != 9 {
		t.Fatalf("expected success at offset 9, got %+v", resp)
	}

	resp, err = client.AppendLog(ctx, 9, []byte("bbb"))
	if err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if !resp.Success || resp.Offset != 16 {
		t.Fatalf("expected success at offset 16, got %+v", resp)
	}

	// Divergence answers travel intact through the wire.
	resp, err = client.AppendLog(ctx, 100, []byte("x"))
	if err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if resp.Success || resp.Offset != 16 {
		t.Fatalf("expected resync hint 16, got %+v", resp)
	}
	resp, err = client.AppendLog(ctx, 3, []byte("x"))
	if err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	if resp.Success || resp.Offset != -1 {
		t.Fatalf("expected stale rejection, got %+v", resp)
	}
}

// TestClientTransportFailure exercises the bounded retry path against a
// dead endpoint.
func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeSyncNode{}, nil, "").createRouter())
	srv.Close() // dead on arrival

	client := rpc.NewClient(srv.URL, 200*time.Millisecond)
	if _, err := client.AppendLog(context.Background(), 0, []byte("x")); err == nil {
		t.Fatal("expected transport error from dead server")
	}
}
