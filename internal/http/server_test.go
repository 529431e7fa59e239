package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/uni159169/bfs/pkg/replication"
	"github.com/uni159169/bfs/pkg/rpc"
)

// fakeSyncNode implements iSyncNode with the standby acceptance rules over
// an in-memory log.
type fakeSyncNode struct {
	mu       sync.Mutex
	offset   int64
	entries  [][]byte
	promoted bool
}

func (n *fakeSyncNode) AppendLog(offset int64, payload []byte) (bool, int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if offset > n.offset {
		return false, n.offset
	}
	if offset < n.offset {
		return false, -1
	}
	n.entries = append(n.entries, payload)
	n.offset += int64(len(payload)) + 4
	return true, n.offset
}

func (n *fakeSyncNode) Status() replication.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return replication.Status{
		Role:          "slave",
		CurrentOffset: n.offset,
		AppliedOffset: n.offset,
	}
}

func (n *fakeSyncNode) Promote() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.promoted = true
}

func postAppendLog(t *testing.T, h http.Handler, req rpc.AppendLogRequest) (*httptest.ResponseRecorder, rpc.AppendLogResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, rpc.AppendLogPath, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	var resp rpc.AppendLogResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, resp
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(&fakeSyncNode{}, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestAppendLogHandler_AcceptGapStale(t *testing.T) {
	node := &fakeSyncNode{}
	h := NewServer(node, nil, "").createRouter()

	// Expected offset: accepted.
	rr, resp := postAppendLog(t, h, rpc.AppendLogRequest{Offset: 0, Payload: []byte("aaaaa")})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !resp.Success || resp.Offset != 9 {
		t.Fatalf("expected success at offset 9, got %+v", resp)
	}

	// Gap: rejected with the local offset as resync hint, still HTTP 200.
	rr, resp = postAppendLog(t, h, rpc.AppendLogRequest{Offset: 20, Payload: []byte("x")})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for rejection, got %d", rr.Code)
	}
	if resp.Success || resp.Offset != 9 {
		t.Fatalf("expected rejection with offset 9, got %+v", resp)
	}

	// Stale: rejected with -1.
	_, resp = postAppendLog(t, h, rpc.AppendLogRequest{Offset: 3, Payload: []byte("x")})
	if resp.Success || resp.Offset != -1 {
		t.Fatalf("expected rejection with offset -1, got %+v", resp)
	}
}

func TestAppendLogHandler_BadBody(t *testing.T) {
	h := NewServer(&fakeSyncNode{}, nil, "").createRouter()
	r := httptest.NewRequest(http.MethodPost, rpc.AppendLogPath, bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	node := &fakeSyncNode{}
	h := NewServer(node, nil, "").createRouter()
	node.AppendLog(0, []byte("aaaaa"))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var st replication.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.CurrentOffset != 9 || st.Role != "slave" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPromoteHandler(t *testing.T) {
	node := &fakeSyncNode{}
	h := NewServer(node, nil, "").createRouter()

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/promote", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !node.promoted {
		t.Fatal("expected node to be promoted")
	}
}
