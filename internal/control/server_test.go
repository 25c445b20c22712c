package control

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/servalmesh/rhizome/internal/bundle"
	"github.com/servalmesh/rhizome/internal/link/heartbeat"
	"github.com/servalmesh/rhizome/internal/payloadstore"
	"github.com/servalmesh/rhizome/internal/telemetry"
)

func newTestServer(t *testing.T) (*Server, *payloadstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := payloadstore.Open(payloadstore.Config{
		Dir:          dir,
		DatabaseSize: 10 << 20,
		Clock:        clock.NewMock(),
	}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lc := bundle.New(store, nil)
	link := heartbeat.NewLinkStateWithClock(clock.NewMock())
	return New("127.0.0.1:0", lc, store, link, telemetry.NopMetrics(), nil), store
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestComposeAndFetchBundle(t *testing.T) {
	s, _ := newTestServer(t)

	body := composeRequestBody{
		Fields:        map[string]string{"service": "file", "name": "hello.txt"},
		PayloadBase64: base64.StdEncoding.EncodeToString([]byte("hello world")),
	}
	buf, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(buf))
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("compose status = %d, body = %s", w.Code, w.Body.String())
	}

	var composeResp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &composeResp); err != nil {
		t.Fatalf("decode compose response: %v", err)
	}
	if composeResp["status"] != "new" {
		t.Fatalf("status = %v, want new", composeResp["status"])
	}
	bid, _ := composeResp["bid"].(string)
	if bid == "" {
		t.Fatal("expected a non-empty bid")
	}

	fetchReq := httptest.NewRequest(http.MethodGet, "/bundles/"+bid, nil)
	fetchW := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(fetchW, fetchReq)
	if fetchW.Code != http.StatusOK {
		t.Fatalf("fetch status = %d, body = %s", fetchW.Code, fetchW.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/bundles", nil)
	listW := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(listW, listReq)
	var listResp struct {
		Bundles []map[string]string `json:"bundles"`
	}
	if err := json.Unmarshal(listW.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listResp.Bundles) != 1 {
		t.Fatalf("expected 1 bundle listed, got %d", len(listResp.Bundles))
	}
}

func TestStoreStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/store/status", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if _, ok := resp["quota_bytes"]; !ok {
		t.Fatal("expected quota_bytes in response")
	}
}

func TestLinkStatusEndpointUnavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := payloadstore.Open(payloadstore.Config{Dir: dir, DatabaseSize: 1 << 20, Clock: clock.NewMock()}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	s := New("127.0.0.1:0", bundle.New(store, nil), store, nil, telemetry.NopMetrics(), nil)
	req := httptest.NewRequest(http.MethodGet, "/link/status", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["available"] != false {
		t.Fatalf("expected available=false with nil link, got %v", resp["available"])
	}
}

func TestComposeRejectsBadBase64(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"fields":{"service":"file"},"payload_base64":"not-valid-base64!!"}`)
	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

var _ = time.Second
