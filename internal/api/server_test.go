package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/aegis/internal/model"
	"github.com/MikeSquared-Agency/aegis/internal/pipeline"
	"github.com/MikeSquared-Agency/aegis/internal/processor"
	"github.com/MikeSquared-Agency/aegis/internal/rules"
	"github.com/MikeSquared-Agency/aegis/internal/segment"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	mu         sync.Mutex
	ingested   []model.Segment
	ingestErr  map[string]error
	boundaries int
	resetTo    string
	reloadErr  error
	status     processor.Status
}

func (f *fakeSession) Ingest(seg model.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ingestErr[seg.ID]; err != nil {
		return err
	}
	f.ingested = append(f.ingested, seg)
	return nil
}

func (f *fakeSession) Boundary() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundaries++
	return nil
}

func (f *fakeSession) Reset(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetTo = sessionID
	f.status.SessionID = sessionID
	return nil
}

func (f *fakeSession) Reload(context.Context) error { return f.reloadErr }

func (f *fakeSession) Status() processor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type fakeLister struct {
	gotSession string
	gotLimit   int
}

func (f *fakeLister) ListAlerts(_ context.Context, sessionID string, limit int) ([]model.AlertRecord, error) {
	f.gotSession, f.gotLimit = sessionID, limit
	return []model.AlertRecord{{Alert: model.Alert{ID: "alert-1", SessionID: sessionID}, FeedbackStatus: "pending"}}, nil
}

func newTestServer(token string) (*Server, *fakeSession, *fakeLister) {
	sess := &fakeSession{status: processor.Status{SessionID: "sess-1", RulesetVersion: "v1"}}
	lister := &fakeLister{}
	return NewServer(8760, token, sess, lister, NewHub(discardLogger()), discardLogger()), sess, lister
}

func do(srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(srv, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

type dropCount uint64

func (d dropCount) Dropped() uint64 { return uint64(d) }

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer("")
	srv.CountDrops("slack", dropCount(3))

	w := do(srv, "GET", "/api/v1/aegis/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		Agent   string            `json:"agent"`
		Session processor.Status  `json:"session"`
		Dropped map[string]uint64 `json:"dropped_alerts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Agent != "aegis" || body.Session.SessionID != "sess-1" || body.Session.RulesetVersion != "v1" {
		t.Errorf("unexpected status %+v", body)
	}
	stream, ok := body.Dropped["stream"]
	if !ok || stream != 0 || body.Dropped["slack"] != 3 {
		t.Errorf("dropped_alerts = %v, want stream=0 slack=3", body.Dropped)
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _, _ := newTestServer("")

	w := do(srv, "GET", "/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, _, _ := newTestServer("s3cret")

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"health is open", "/health", nil, http.StatusOK},
		{"missing token", "/api/v1/aegis/status", nil, http.StatusUnauthorized},
		{"wrong token", "/api/v1/aegis/status", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"header token", "/api/v1/aegis/status", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query token", "/api/v1/aegis/status?access_token=s3cret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(srv, "GET", tt.path, "", tt.header...); w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestIngestSegments(t *testing.T) {
	srv, sess, _ := newTestServer("")
	sess.ingestErr = map[string]error{
		"late": fmt.Errorf("segment late starts early: %w", segment.ErrStaleSegment),
		"full": fmt.Errorf("%w: sess-1-w000001", pipeline.ErrBackpressure),
	}

	body := `[
		{"id":"a","start_sec":0,"end_sec":1,"text":"hello"},
		{"id":"late","start_sec":0,"end_sec":1,"text":"late"},
		{"id":"full","start_sec":2,"end_sec":3,"text":"guaranteed"}
	]`
	w := do(srv, "POST", "/api/v1/segments", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}

	var resp ingestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 2 || !resp.Backpressure {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].ID != "late" || resp.Rejected[0].Error != "stale" {
		t.Errorf("expected the stale segment rejected, got %+v", resp.Rejected)
	}
}

func TestIngestSingleSegment(t *testing.T) {
	srv, sess, _ := newTestServer("")

	w := do(srv, "POST", "/api/v1/segments", `{"id":"a","start_sec":0,"end_sec":1,"text":"hello","end_of_utterance":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(sess.ingested) != 1 || !sess.ingested[0].EndOfUtterance {
		t.Errorf("segment not passed through: %+v", sess.ingested)
	}
}

func TestIngestSegments_BadRequests(t *testing.T) {
	srv, sess, _ := newTestServer("")
	sess.ingestErr = map[string]error{"x": processor.ErrNotStarted}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", http.StatusBadRequest},
		{"not json", "segments please", http.StatusBadRequest},
		{"not started", `{"id":"x","start_sec":0,"end_sec":1,"text":"a"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/segments", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestSessionControl(t *testing.T) {
	srv, sess, _ := newTestServer("")

	if w := do(srv, "POST", "/api/v1/session/boundary", ""); w.Code != http.StatusAccepted || sess.boundaries != 1 {
		t.Errorf("boundary: code %d, boundaries %d", w.Code, sess.boundaries)
	}

	w := do(srv, "POST", "/api/v1/session/reset", `{"session_id":"call-42"}`)
	if w.Code != http.StatusOK || sess.resetTo != "call-42" {
		t.Errorf("reset: code %d, session %q", w.Code, sess.resetTo)
	}

	if w := do(srv, "POST", "/api/v1/session/reset", ""); w.Code != http.StatusOK || sess.resetTo != "" {
		t.Errorf("reset without body: code %d, session %q", w.Code, sess.resetTo)
	}
}

func TestReload(t *testing.T) {
	srv, sess, _ := newTestServer("")

	if w := do(srv, "POST", "/api/v1/rules/reload", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	sess.reloadErr = fmt.Errorf("reload: %w", fmt.Errorf("%w: decode yaml", rules.ErrLoad))
	if w := do(srv, "POST", "/api/v1/rules/reload", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a bad ruleset, got %d", w.Code)
	}

	sess.reloadErr = errors.New("database down")
	if w := do(srv, "POST", "/api/v1/rules/reload", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}

	sess.reloadErr = processor.ErrShutdown
	if w := do(srv, "POST", "/api/v1/rules/reload", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", w.Code)
	}
}

func TestListAlerts(t *testing.T) {
	srv, _, lister := newTestServer("")

	w := do(srv, "GET", "/api/v1/alerts?session_id=call-42&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if lister.gotSession != "call-42" || lister.gotLimit != 5 {
		t.Errorf("lister got session %q limit %d", lister.gotSession, lister.gotLimit)
	}

	var body struct {
		Alerts []model.AlertRecord `json:"alerts"`
		Count  int                 `json:"count"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if body.Count != 1 || body.Alerts[0].ID != "alert-1" || body.Alerts[0].FeedbackStatus != "pending" {
		t.Errorf("unexpected body %+v", body)
	}

	if w := do(srv, "GET", "/api/v1/alerts?limit=0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit=0, got %d", w.Code)
	}
}

func TestListAlerts_NotConfigured(t *testing.T) {
	srv := NewServer(8760, "", &fakeSession{}, nil, nil, discardLogger())

	if w := do(srv, "GET", "/api/v1/alerts", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if w := do(srv, "GET", "/api/v1/alerts/stream", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func dialStream(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/alerts/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestAlertStream(t *testing.T) {
	srv, _, _ := newTestServer("")
	conn := dialStream(t, srv, "?session_id=call-42")

	ctx := context.Background()
	srv.hub.Write(ctx, model.Alert{ID: "other", SessionID: "call-1"})
	srv.hub.Write(ctx, model.Alert{ID: "mine", SessionID: "call-42", Severity: model.SeverityHigh})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.Alert
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != "mine" || got.Severity != model.SeverityHigh {
		t.Errorf("expected only the filtered session's alert, got %+v", got)
	}
}

func TestAlertStream_CloseDisconnects(t *testing.T) {
	srv, _, _ := newTestServer("")
	conn := dialStream(t, srv, "")

	srv.hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal close, got %v", err)
	}
}

func TestHubDropsForSlowClients(t *testing.T) {
	h := NewHub(discardLogger())
	c := &streamClient{send: make(chan model.Alert, 1), done: make(chan struct{})}
	h.register(c)

	h.Write(context.Background(), model.Alert{ID: "a"})
	h.Write(context.Background(), model.Alert{ID: "b"})

	if h.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", h.Dropped())
	}
}
