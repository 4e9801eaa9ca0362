package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/beacon/internal/logging"
	"github.com/runnerr0/beacon/internal/models"
	"github.com/runnerr0/beacon/internal/privacy"
	"github.com/runnerr0/beacon/internal/push"
	"github.com/runnerr0/beacon/internal/storage"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore records writes in memory and can be told to fail.
type memStore struct {
	mu      sync.Mutex
	records []*models.DebugRecord
	events  []*models.Event
	err     error
	panics  bool
}

func (m *memStore) InsertDebugRecord(_ context.Context, record *models.DebugRecord) error {
	if m.panics {
		panic("driver exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	record.ID = int64(len(m.records) + 1)
	m.records = append(m.records, record)
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	event.ID = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) Ping(context.Context) error { return m.err }
func (m *memStore) Close() error               { return nil }

type recordingForwarder struct {
	mu     sync.Mutex
	events []*models.Event
}

func (f *recordingForwarder) Forward(_ context.Context, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *recordingForwarder) Close() error { return nil }

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	if opts.LibraryPaths == nil {
		opts.LibraryPaths = []string{filepath.Join(t.TempDir(), "missing.js")}
	}
	srv, err := New(opts)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func validEvent() string {
	return `{"visitor_id":"v-1","session_id":"s-1","pageview_id":"p-1","event_type":"click","seq":3,"payload":{"x":1}}`
}

func TestCollect_StoresRecord(t *testing.T) {
	store := &memStore{}
	srv := newTestServer(t, Options{Store: store})

	req := httptest.NewRequest(http.MethodPost, "/collect",
		strings.NewReader(`{"browser":{"ua":"x"},"errors":[{"msg":"boom"}],"visitor_id":"v-9"}`))
	req.RemoteAddr = "203.0.113.7:5555"
	rec := do(t, srv, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.Len(t, store.records, 1)
	record := store.records[0]
	assert.Equal(t, "203.0.113.7", record.IP, "raw address is kept when no salt is configured")
	assert.JSONEq(t, `{"ua":"x"}`, string(record.BrowserInfo))
	assert.Equal(t, 1, record.ErrorCount)
	assert.Equal(t, "v-9", *record.VisitorID)
	assert.Equal(t, fixedNow, record.Timestamp)
}

func TestCollect_HashesIPWhenSalted(t *testing.T) {
	store := &memStore{}
	srv := newTestServer(t, Options{Store: store, IPHashSalt: "pepper"})

	req := httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	do(t, srv, req)

	want, _ := privacy.HashIP("198.51.100.4", "pepper")
	require.Len(t, store.records, 1)
	assert.Equal(t, want, store.records[0].IP)
}

func TestCollect_UnparseableBody(t *testing.T) {
	store := &memStore{}
	srv := newTestServer(t, Options{Store: store})

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader("{nope")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"Internal Server Error"}`, rec.Body.String())
	assert.Empty(t, store.records)
}

func TestCollect_StoreFailureIsSilent(t *testing.T) {
	store := &memStore{err: errors.New("connection reset by peer")}
	srv := newTestServer(t, Options{Store: store})

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestCollect_WithoutStore(t *testing.T) {
	srv := newTestServer(t, Options{})
	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCollect_PanicBecomesGenericError(t *testing.T) {
	srv := newTestServer(t, Options{Store: &memStore{panics: true}})

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"Internal Server Error"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "exploded")
}

func TestCollect_PushesVitalsToDashboards(t *testing.T) {
	hub := push.NewHub(push.Options{}, logging.Discard())
	srv := newTestServer(t, Options{Store: &memStore{}, Hub: hub})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	body := `{"performance":{"webVitals":{"LCP":2.1},"timing":{"responseStart":200,"navigationStart":50}},"errors":[{"msg":"x"}]}`
	resp, err := http.Post(ts.URL+"/collect", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	reply, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(reply))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg push.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, push.EventVitalsUpdate, msg.Event)

	var update map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &update))
	assert.Equal(t, 2.1, update["lcp"])
	assert.Equal(t, 150.0, update["ttfb"])
	assert.Equal(t, 1.0, update["errorCount"])
	assert.Nil(t, update["dnsTime"])
}

func TestEvent_Stored(t *testing.T) {
	store := &memStore{}
	fwd := &recordingForwarder{}
	srv := newTestServer(t, Options{Store: store, Forwarder: fwd, IPHashSalt: "pepper"})

	req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(validEvent()))
	req.Header.Set("CF-Connecting-IP", "192.0.2.10")
	req.Header.Set("User-Agent", "Mozilla/5.0 test")
	rec := do(t, srv, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.Len(t, store.events, 1)
	event := store.events[0]
	assert.Equal(t, "v-1", event.VisitorID)
	assert.Equal(t, "click", event.EventType)
	assert.Equal(t, int64(3), event.Seq)
	assert.JSONEq(t, `{"x":1}`, string(event.Payload))
	assert.Equal(t, "Mozilla/5.0 test", *event.UserAgent)
	assert.Equal(t, fixedNow, event.Timestamp)

	want, _ := privacy.HashIP("192.0.2.10", "pepper")
	require.NotNil(t, event.IPHash)
	assert.Equal(t, want, *event.IPHash)

	require.Len(t, fwd.events, 1)
	assert.Same(t, event, fwd.events[0])
}

func TestEvent_NoSaltNoIP(t *testing.T) {
	store := &memStore{}
	srv := newTestServer(t, Options{Store: store})

	do(t, srv, httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(validEvent())))

	require.Len(t, store.events, 1)
	assert.Nil(t, store.events[0].IPHash)
	encoded, err := json.Marshal(store.events[0])
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "192.0.2.1")
}

func TestEvent_MissingFields(t *testing.T) {
	store := &memStore{}
	srv := newTestServer(t, Options{Store: store})

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/event",
		strings.NewReader(`{"visitor_id":"v","session_id":"","event_type":0}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "missing_fields", body["error"])
	assert.Equal(t, []any{"session_id", "pageview_id", "event_type"}, body["missing"])
	assert.Empty(t, store.events)
}

func TestEvent_ClientErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "boolean seq", body: `{"visitor_id":"v","session_id":"s","pageview_id":"p","event_type":"e","seq":true}`, code: "bad_seq_type"},
		{name: "float seq", body: `{"visitor_id":"v","session_id":"s","pageview_id":"p","event_type":"e","seq":1.5}`, code: "bad_seq_type"},
		{name: "invalid json", body: `{"visitor_id":`, code: "invalid_json"},
		{name: "array body", body: `[1,2]`, code: "invalid_json"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &memStore{}
			srv := newTestServer(t, Options{Store: store})

			rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(tc.body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decode(t, rec)["error"])
			assert.Empty(t, store.events)
		})
	}
}

func TestEvent_TooLarge(t *testing.T) {
	padding := strings.Repeat("a", 262144)
	oversized := `{"visitor_id":"v","session_id":"s","pageview_id":"p","event_type":"e","payload":{"pad":"` + padding + `"}}`

	t.Run("declared", func(t *testing.T) {
		store := &memStore{}
		srv := newTestServer(t, Options{Store: store})

		req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(oversized))
		rec := do(t, srv, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "payload_too_large", decode(t, rec)["error"])
		assert.Empty(t, store.events)
	})

	t.Run("undeclared", func(t *testing.T) {
		store := &memStore{}
		srv := newTestServer(t, Options{Store: store})

		req := httptest.NewRequest(http.MethodPost, "/event", io.NopCloser(strings.NewReader(oversized)))
		req.ContentLength = -1
		rec := do(t, srv, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, store.events)
	})
}

func TestEvent_StoreFailureIsSilent(t *testing.T) {
	srv := newTestServer(t, Options{Store: &memStore{err: errors.New("db down")}})
	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(validEvent())))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, Options{})
		rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy","database":"not_configured"}`, rec.Body.String())
	})

	t.Run("connected", func(t *testing.T) {
		srv := newTestServer(t, Options{Store: &memStore{}})
		rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy","database":"connected"}`, rec.Body.String())
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := newTestServer(t, Options{Store: &memStore{err: errors.New("password authentication failed")}})
		rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"unhealthy","database":"password authentication failed"}`, rec.Body.String())
	})
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, Options{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestBandwidth(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{query: "", want: 500000},
		{query: "?bytes=abc", want: 500000},
		{query: "?bytes=70000000", want: 5000000},
		{query: "?bytes=-5", want: 0},
		{query: "?bytes=1234", want: 1234},
		{query: "?bytes=0", want: 0},
	}

	srv := newTestServer(t, Options{})
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/bw"+tc.query, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, rec.Body.Len())
			assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		})
	}
}

func TestDashboard(t *testing.T) {
	srv := newTestServer(t, Options{})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "vitals_update")

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientLibrary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "context.min.js")
	script := []byte("window.VisitorContext={};")
	require.NoError(t, os.WriteFile(path, script, 0644))

	srv := newTestServer(t, Options{LibraryPaths: []string{filepath.Join(dir, "absent.js"), path}})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/v1/context.min.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, script, rec.Body.Bytes())
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "public, max-age=31536000, immutable", rec.Header().Get("Cache-Control"))

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	for _, ifNoneMatch := range []string{etag, strings.Trim(etag, `"`), `"stale", W/` + etag} {
		req := httptest.NewRequest(http.MethodGet, "/v1/context.min.js", nil)
		req.Header.Set("If-None-Match", ifNoneMatch)
		rec = do(t, srv, req)
		assert.Equal(t, http.StatusNotModified, rec.Code, "If-None-Match %s", ifNoneMatch)
		assert.Empty(t, rec.Body.Bytes())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/context.min.js", nil)
	req.Header.Set("If-None-Match", `"stale"`)
	assert.Equal(t, http.StatusOK, do(t, srv, req).Code)
}

func TestClientLibrary_Missing(t *testing.T) {
	srv := newTestServer(t, Options{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/v1/context.min.js", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/event", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := do(t, srv, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, Options{})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "trace-abc")
	rec = do(t, srv, req)
	assert.Equal(t, "trace-abc", rec.Header().Get("X-Request-ID"))
}

func TestMethodRouting(t *testing.T) {
	srv := newTestServer(t, Options{})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/collect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetrics(t *testing.T) {
	hub := push.NewHub(push.Options{}, logging.Discard())
	srv := newTestServer(t, Options{Store: &memStore{}, Hub: hub})

	do(t, srv, httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(`{}`)))
	do(t, srv, httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(validEvent())))

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `beacon_http_requests_total{handler="event",method="POST",status="400"} 1`)
	assert.Contains(t, body, `beacon_http_requests_total{handler="event",method="POST",status="200"} 1`)
	assert.Contains(t, body, `beacon_ingest_rejected_total{kind="event",reason="missing_fields"} 1`)
	assert.Contains(t, body, `beacon_ingest_accepted_total{kind="event"} 1`)
	assert.Contains(t, body, "beacon_push_subscribers 0")
}

func TestEndToEndWithSQLite(t *testing.T) {
	db, dialect, err := storage.Open("sqlite://"+filepath.Join(t.TempDir(), "beacon.db"), storage.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	source, err := dialect.Changesets()
	require.NoError(t, err)
	_, err = storage.NewMigrationRunner(db, dialect, source, logging.Discard()).Run(context.Background())
	require.NoError(t, err)

	srv := newTestServer(t, Options{Store: storage.NewSQLStore(db), IPHashSalt: "pepper"})

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(validEvent())))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(`{"errors":[{},{}]}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var events, records int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events").Scan(&events))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM debug_data").Scan(&records))
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, records)

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"healthy","database":"connected"}`, rec.Body.String())

	db.Close()
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])
}

func TestServe_GracefulShutdown(t *testing.T) {
	hub := push.NewHub(push.Options{}, logging.Discard())
	srv := newTestServer(t, Options{Hub: hub})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, time.Second) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/ping")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	_, err = http.Post(url+"/event", "application/json", bytes.NewReader([]byte(validEvent())))
	assert.Error(t, err)
}
