// Package control implements the node's operator-facing HTTP surface:
// composing and inspecting bundles, and reporting store/link status. It is
// deliberately plain net/http+encoding/json rather than a generated RPC
// stack, matching the teacher's own admin-surface idiom.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/servalmesh/rhizome/internal/bundle"
	"github.com/servalmesh/rhizome/internal/link/heartbeat"
	"github.com/servalmesh/rhizome/internal/manifest"
	"github.com/servalmesh/rhizome/internal/payloadstore"
	"github.com/servalmesh/rhizome/internal/rhizomeid"
	"github.com/servalmesh/rhizome/internal/telemetry"
)

// Server serves the control surface over HTTP.
type Server struct {
	httpServer *http.Server
	lifecycle  *bundle.Lifecycle
	store      *payloadstore.Store
	link       *heartbeat.LinkState // nil when the link layer is not configured
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	lis        net.Listener
}

// New creates a control Server. link may be nil if this node has no radio
// link configured.
func New(addr string, lifecycle *bundle.Lifecycle, store *payloadstore.Store, link *heartbeat.LinkState, metrics *telemetry.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	s := &Server{
		lifecycle: lifecycle,
		store:     store,
		link:      link,
		metrics:   metrics,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bundles", s.handleBundles)
	mux.HandleFunc("/bundles/", s.handleBundleByID)
	mux.HandleFunc("/bundles/manifest", s.handleIngestManifest)
	mux.HandleFunc("/store/status", s.handleStoreStatus)
	mux.HandleFunc("/link/status", s.handleLinkStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.instrument(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// instrument wraps h so every request is counted and timed, grounded on the
// teacher's admin surface having no such wrapper — added here because this
// surface, unlike the teacher's, is the thing telemetry.Metrics's
// control_request_* instruments exist to describe.
func (s *Server) instrument(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.metrics.RequestDuration.Observe(time.Since(start).Seconds())
		s.metrics.RequestsTotal.WithLabelValues(r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Start begins serving the control surface.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.lis, err = net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("control server starting", zap.String("addr", s.lis.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(s.lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server error", zap.Error(err))
		}
	}()

	return nil
}

// Name identifies this service to the node's ServiceManager.
func (s *Server) Name() string { return "control" }

// Stop gracefully shuts down the control server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// composeRequestBody is the JSON shape accepted by POST /bundles.
type composeRequestBody struct {
	Fields        map[string]string `json:"fields"`
	Filename      string            `json:"filename"`
	PayloadBase64 string            `json:"payload_base64"`
	Journal       bool              `json:"journal"`
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCompose(w, r)
	case http.MethodGet:
		s.handleListBundles(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var body composeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	payload, err := base64.StdEncoding.DecodeString(body.PayloadBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode payload_base64: "+err.Error())
		return
	}

	result := s.lifecycle.Compose(bundle.ComposeRequest{
		Fields:   body.Fields,
		Filename: body.Filename,
		Payload:  payload,
		Journal:  body.Journal,
	})

	status := http.StatusOK
	if result.Status != bundle.StatusNew && result.Status != bundle.StatusDuplicate && result.Status != bundle.StatusSame {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"status": result.Status.String(),
		"bid":    result.BID,
		"error":  errString(result.Err),
	})
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		BID  string `json:"bid"`
		Name string `json:"name,omitempty"`
	}
	var bundles []entry
	err := s.store.EachManifest(func(bid rhizomeid.BID, packed []byte) bool {
		name := ""
		if m, perr := manifest.Parse(packed); perr == nil {
			name, _ = m.Get("name")
		}
		bundles = append(bundles, entry{BID: bid.String(), Name: name})
		return true
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": bundles})
}

func (s *Server) handleBundleByID(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/bundles/"):]
	if idHex, ok := strings.CutSuffix(rest, "/journal"); ok {
		s.handleAppendJournal(w, r, idHex)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idHex := rest
	bid, _, ok := rhizomeid.ParseBID(idHex)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed bundle id")
		return
	}

	packed, ok, err := s.store.GetManifest(bid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "bundle not found")
		return
	}

	m, err := manifest.Parse(packed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored manifest is malformed: "+err.Error())
		return
	}

	fields := map[string]string{}
	for _, label := range []string{"id", "version", "filesize", "filehash", "name", "service", "date", "sender", "recipient", "crypt"} {
		if v, ok := m.Get(label); ok {
			fields[label] = v
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bid":    bid.String(),
		"fields": fields,
	})
}

// appendJournalRequestBody is the JSON shape accepted by POST
// /bundles/{bid}/journal.
type appendJournalRequestBody struct {
	BSK          string `json:"bsk"`
	AdvanceBy    uint64 `json:"advance_by"`
	AppendBase64 string `json:"append_base64"`
}

func (s *Server) handleAppendJournal(w http.ResponseWriter, r *http.Request, idHex string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bid, _, ok := rhizomeid.ParseBID(idHex)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed bundle id")
		return
	}

	var body appendJournalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	bsk, ok := rhizomeid.ParseBSK(body.BSK)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed bsk")
		return
	}
	appendBytes, err := base64.StdEncoding.DecodeString(body.AppendBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decode append_base64: "+err.Error())
		return
	}

	result := s.lifecycle.AppendJournal(bundle.AppendJournalRequest{
		BID:       bid,
		BSK:       bsk,
		AdvanceBy: body.AdvanceBy,
		Append:    appendBytes,
	})

	status := http.StatusOK
	if result.Status != bundle.StatusNew {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"status": result.Status.String(),
		"bid":    result.BID,
		"error":  errString(result.Err),
	})
}

func (s *Server) handleIngestManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	packed, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	result := s.lifecycle.IngestManifest(packed)

	status := http.StatusOK
	switch result.Status {
	case bundle.StatusNew, bundle.StatusSame:
	default:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"status": result.Status.String(),
		"bid":    result.BID,
		"error":  errString(result.Err),
	})
}

func (s *Server) handleStoreStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"used_bytes":  s.store.UsedBytes(),
		"quota_bytes": s.store.DatabaseSize(),
	})
}

func (s *Server) handleLinkStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.link == nil {
		writeJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available":       true,
		"radio_rssi":      s.link.RadioRSSI(),
		"remote_rssi":     s.link.RemoteRSSI(),
		"remaining_space": s.link.RemainingSpace(),
		"heartbeat_due":   s.link.NextHeartbeatDue(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
