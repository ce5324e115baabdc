package control

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"vision-sensor/internal/region"
	"vision-sensor/internal/stream"
	"vision-sensor/internal/telemetry"
)

type staticSessions []stream.SessionInfo

func (s staticSessions) Sessions() []stream.SessionInfo { return s }

func newTestRouter(t *testing.T) (http.Handler, *region.Store, *telemetry.Aggregator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ch, store, stats := newTestChannel(t)
	sessions := staticSessions{
		{ID: "a", RemoteAddr: "127.0.0.1:5000", State: "streaming", ConnectedAt: time.Now()},
	}

	router := gin.New()
	NewHTTPHandler(ch, sessions, stats, nil, zaptest.NewLogger(t)).RegisterRoutes(router)
	return router, store, stats
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid json %q", method, path, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestSensorRegion(t *testing.T) {
	h, store, _ := newTestRouter(t)

	rec, body := do(t, h, http.MethodPost, "/sensor/region", `{"top":10,"left":20,"width":640,"height":480}`)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("region = %d %s", rec.Code, rec.Body)
	}

	rec, body = do(t, h, http.MethodPost, "/sensor/region", `{"top":10,"left":20,"width":0,"height":480}`)
	if rec.Code != http.StatusBadRequest || body["message"] != MessageInvalidDimensions {
		t.Fatalf("invalid region = %d %v", rec.Code, body)
	}
	if len(body) != 2 {
		t.Fatalf("error reply carries extra fields: %v", body)
	}

	rec, body = do(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cr := body["capture_region"].(map[string]any)
	if cr["width"] != 640.0 || cr["height"] != 480.0 || cr["top"] != 10.0 || cr["left"] != 20.0 {
		t.Fatalf("capture_region = %v", cr)
	}
	if store.Rect().Width != 640 {
		t.Fatalf("store rect = %+v", store.Rect())
	}
}

func TestSensorTelemetryAndDuration(t *testing.T) {
	h, store, _ := newTestRouter(t)

	rec, _ := do(t, h, http.MethodPost, "/sensor/telemetry", `{"current_time":NaN,"is_ended":false,"video_status":"paused"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("telemetry = %d %s", rec.Code, rec.Body)
	}
	rec, _ = do(t, h, http.MethodPost, "/sensor/duration", `{"duration":300.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duration = %d %s", rec.Code, rec.Body)
	}

	got := store.Get()
	if got.CurrentTime != 0 || got.VideoStatus != region.StatusPaused || got.Duration != 300.5 {
		t.Fatalf("store = %+v", got)
	}

	rec, body := do(t, h, http.MethodPost, "/sensor/duration", `not json`)
	if rec.Code != http.StatusBadRequest || body["message"] != MessageMalformedRequest {
		t.Fatalf("malformed = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/sensor/telemetry", `{"video_status":"complete"}`)
	if rec.Code != http.StatusBadRequest || body["message"] != MessageMalformedRequest {
		t.Fatalf("telemetry without required fields = %d %v", rec.Code, body)
	}
	if store.Get().VideoStatus != region.StatusPaused {
		t.Fatalf("video_status changed to %q", store.Get().VideoStatus)
	}
}

func TestRawCommand(t *testing.T) {
	h, _, stats := newTestRouter(t)
	stats.IncrementClients()

	rec, body := do(t, h, http.MethodPost, "/api/v1/command", `{"command":"status"}`)
	if rec.Code != http.StatusOK || body["active_clients"] != 1.0 {
		t.Fatalf("status = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodPost, "/api/v1/command", `{"command":"jump"}`)
	if rec.Code != http.StatusBadRequest || body["message"] != MessageUnknownCommand {
		t.Fatalf("unknown = %d %v", rec.Code, body)
	}
}

func TestSessionsAndStats(t *testing.T) {
	h, _, stats := newTestRouter(t)
	stats.AddFrame(1024)
	stats.AddSkipped()

	rec, body := do(t, h, http.MethodGet, "/api/v1/sessions", "")
	if rec.Code != http.StatusOK || body["count"] != 1.0 {
		t.Fatalf("sessions = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	if body["frames_sent"] != 1.0 || body["bytes_sent"] != 1024.0 || body["skipped_frames"] != 1.0 {
		t.Fatalf("stats = %v", body)
	}
}

func TestWebSocketControl(t *testing.T) {
	h, store, _ := newTestRouter(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/control"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	send := func(msg string) Response {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		return resp
	}

	if resp := send(`{"command":"region_update","top":1,"left":2,"width":300,"height":200}`); !resp.OK() {
		t.Fatalf("region_update = %+v", resp)
	}
	if resp := send(`garbage`); resp.Message != MessageMalformedRequest {
		t.Fatalf("garbage = %+v", resp)
	}
	resp := send(`{"command":"status"}`)
	if !resp.OK() || resp.CaptureRegion.Width != 300 {
		t.Fatalf("status = %+v", resp)
	}
	if store.Rect().Height != 200 {
		t.Fatalf("store rect = %+v", store.Rect())
	}
}

func TestCloseDisconnectsWebSocketClients(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ch, _, stats := newTestChannel(t)
	handler := NewHTTPHandler(ch, nil, stats, nil, zaptest.NewLogger(t))
	router := gin.New()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/control"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// one round trip guarantees the server side is registered
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"status"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	handler.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("connection still open after Close")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed by Close")
	}

	late, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		defer late.Close()
		_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := late.ReadMessage(); err == nil {
			t.Fatal("upgrade accepted after Close")
		}
	} else if resp == nil {
		t.Fatalf("dial after Close: %v", err)
	}
}
