package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/protoengine/frontend/internal/config"
	"github.com/protoengine/frontend/internal/metrics"
)

type fakeTracker struct {
	active, dumpRestore int
}

func (f fakeTracker) ActiveConnections() int { return f.active }
func (f fakeTracker) InDumpOrRestore() int   { return f.dumpRestore }

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestServer(tracker ConnectionTracker, pinger BackendPinger) *Server {
	return NewServer(tracker, pinger, metrics.New(),
		config.ListenConfig{Bind: "0.0.0.0", Port: 5656, AdminBind: "127.0.0.1", AdminPort: 8080},
		config.ProtocolConfig{CurrentMajor: 7})
}

func TestHealthzHealthyBackend(t *testing.T) {
	s := newTestServer(fakeTracker{}, fakePinger{})
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.healthzHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHealthzUnreachableBackend(t *testing.T) {
	s := newTestServer(fakeTracker{}, fakePinger{err: errors.New("dial failed")})
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.healthzHandler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestConnectionsHandlerReportsCounts(t *testing.T) {
	s := newTestServer(fakeTracker{active: 3, dumpRestore: 1}, fakePinger{})
	req := httptest.NewRequest("GET", "/connections", nil)
	w := httptest.NewRecorder()
	s.connectionsHandler(w, req)

	var body map[string]int
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["active"] != 3 || body["dump_or_restore"] != 1 {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusHandlerReportsProtocolBounds(t *testing.T) {
	s := newTestServer(fakeTracker{}, fakePinger{})
	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	s.statusHandler(w, req)

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	proto, ok := body["protocol"].(map[string]interface{})
	if !ok || proto["current"] != "7.0" {
		t.Fatalf("protocol = %v", body["protocol"])
	}
}
