package server

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"

	"github.com/runnerr0/beacon/internal/ingest"
	"github.com/runnerr0/beacon/internal/privacy"
	"github.com/runnerr0/beacon/internal/push"
	"github.com/runnerr0/beacon/internal/storage"
	"github.com/runnerr0/beacon/internal/vitals"
)

const (
	defaultBandwidthBytes = 500_000
	maxBandwidthBytes     = 5_000_000
)

// bandwidthBlock is the filler repeated by /bw. It is pseudo-random so
// intermediaries gain nothing by compressing it.
var bandwidthBlock = func() []byte {
	rng := rand.New(rand.NewPCG(0x62656163, 0x6f6e))
	block := make([]byte, 64*1024)
	for i := range block {
		block[i] = byte(rng.UintN(256))
	}
	return block
}()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
}

var statusOK = map[string]string{"status": "ok"}

// handleCollect stores one debug record and pushes its vitals to live
// dashboards. Store faults are logged and never reported to the browser.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	body, err := ingest.ReadBody(r.Body, ingest.MaxDebugRecordBytes)
	if errors.Is(err, ingest.ErrPayloadTooLarge) {
		s.metrics.ingestRejected.WithLabelValues("debug_record", ingest.Code(err)).Inc()
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"message": "Payload Too Large"})
		return
	}
	if err != nil {
		logger.Warn("reading /collect body failed", "error", err)
		writeInternalError(w)
		return
	}

	record, err := ingest.ValidateDebugRecord(body, s.now())
	if err != nil {
		s.metrics.ingestRejected.WithLabelValues("debug_record", ingest.Code(err)).Inc()
		logger.Warn("rejected debug record", "error", err, "bytes", len(body))
		writeInternalError(w)
		return
	}
	s.metrics.ingestAccepted.WithLabelValues("debug_record").Inc()

	ip := privacy.ClientIP(r)
	if hashed, ok := privacy.HashIP(ip, s.salt); ok {
		ip = hashed
	}
	record.IP = ip

	if err := s.store.InsertDebugRecord(r.Context(), record); err != nil {
		s.storeFailed(r, "debug_record", err)
	} else {
		logger.Debug("stored debug record", "id", record.ID, "errors", record.ErrorCount)
	}

	if s.hub != nil {
		if err := s.hub.Emit(push.EventVitalsUpdate, vitals.Project(record)); err != nil {
			logger.Warn("vitals broadcast failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, statusOK)
}

// handleEvent validates and stores one discrete event. Validation failures
// are reported with enough detail to fix the request.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	if r.ContentLength > ingest.MaxEventBytes {
		s.rejectEvent(w, ingest.ErrPayloadTooLarge)
		return
	}

	body, err := ingest.ReadBody(r.Body, ingest.MaxEventBytes)
	if err != nil && !errors.Is(err, ingest.ErrPayloadTooLarge) {
		logger.Warn("reading /event body failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable_body"})
		return
	}
	if err != nil {
		s.rejectEvent(w, err)
		return
	}

	event, err := ingest.ValidateEvent(body, r.ContentLength, s.now())
	if err != nil {
		s.rejectEvent(w, err)
		return
	}
	s.metrics.ingestAccepted.WithLabelValues("event").Inc()

	if hashed, ok := privacy.HashIP(privacy.ClientIP(r), s.salt); ok {
		event.IPHash = &hashed
	}
	if ua := r.UserAgent(); ua != "" {
		event.UserAgent = &ua
	}

	if err := s.store.InsertEvent(r.Context(), event); err != nil {
		s.storeFailed(r, "event", err)
	} else {
		logger.Debug("stored event", "id", event.ID, "event_type", event.EventType)
	}

	if err := s.forwarder.Forward(r.Context(), event); err != nil {
		s.metrics.forwardFailures.Inc()
		logger.Warn("event forwarding failed", "error", err)
	}

	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) rejectEvent(w http.ResponseWriter, err error) {
	code := ingest.Code(err)
	s.metrics.ingestRejected.WithLabelValues("event", code).Inc()

	status := http.StatusBadRequest
	if errors.Is(err, ingest.ErrPayloadTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}

	reply := map[string]any{"error": code, "message": err.Error()}
	var missing *ingest.MissingFieldsError
	if errors.As(err, &missing) {
		reply["message"] = ingest.ErrMissingFields.Error()
		reply["missing"] = missing.Fields
	}
	writeJSON(w, status, reply)
}

// storeFailed logs a write the store did not accept. A store that was
// never configured is expected to drop everything.
func (s *Server) storeFailed(r *http.Request, kind string, err error) {
	if errors.Is(err, storage.ErrNotConfigured) {
		return
	}
	s.metrics.storeWriteFailures.WithLabelValues(kind).Inc()
	s.requestLogger(r).Error("store write failed", "kind", kind, "error", err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	if !report.Healthy() {
		s.requestLogger(r).Warn("health check failed", "reason", report.Database)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, report.HTTPStatus(), report)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleBandwidth streams filler for client-side throughput estimates.
func (s *Server) handleBandwidth(w http.ResponseWriter, r *http.Request) {
	size := bandwidthSize(r.URL.Query().Get("bytes"))

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(size))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	for remaining := size; remaining > 0; {
		n := min(remaining, len(bandwidthBlock))
		if _, err := w.Write(bandwidthBlock[:n]); err != nil {
			return
		}
		remaining -= n
	}
}

// bandwidthSize parses the requested size, falling back to the default
// when it is missing or not an integer and clamping it to the cap.
func bandwidthSize(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultBandwidthBytes
	}
	return max(0, min(n, maxBandwidthBytes))
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.dashboard)
}
