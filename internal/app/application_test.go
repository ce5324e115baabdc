package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"vision-sensor/internal/capture"
	"vision-sensor/internal/config"
	"vision-sensor/internal/control"
	"vision-sensor/internal/region"
	"vision-sensor/internal/stream"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Stream.Port = freePort(t)
	cfg.Stream.TargetFPS = 60
	cfg.Control.Port = freePort(t)
	cfg.Control.HTTPPort = freePort(t)
	cfg.Capture.Backend = capture.BackendSynthetic
	cfg.Capture.SyntheticWidth = 640
	cfg.Capture.SyntheticHeight = 480
	cfg.Region = config.RegionConfig{Width: 160, Height: 120}
	return cfg
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApplicationEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)

	provider, err := capture.NewProvider(cfg.Capture.Backend, cfg.CaptureOptions())
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	application := NewApplicationWithConfig(cfg, provider, zaptest.NewLogger(t), "test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	conn := dialWithRetry(t, cfg.Addr(cfg.Stream.Port))
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	frame, err := stream.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(frame.Payload))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if img.Bounds().Dx() != 160 || img.Bounds().Dy() != 120 {
		t.Fatalf("frame size = %v", img.Bounds())
	}

	client, err := control.Dial(context.Background(), cfg.Addr(cfg.Control.Port))
	if err != nil {
		t.Fatalf("control dial: %v", err)
	}
	defer client.Close()

	if resp, err := client.UpdateRegion(context.Background(), region.Rect{Top: 10, Left: 20, Width: 64, Height: 48}); err != nil || !resp.OK() {
		t.Fatalf("region_update = %+v, %v", resp, err)
	}

	resized := false
	for i := 0; i < 40 && !resized; i++ {
		frame, err := stream.ReadFrame(conn)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		pc, err := png.DecodeConfig(bytes.NewReader(frame.Payload))
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		resized = pc.Width == 64 && pc.Height == 48
	}
	if !resized {
		t.Fatal("stream never picked up the new region")
	}

	resp, err := http.Get("http://" + cfg.Addr(cfg.Control.HTTPPort) + "/status")
	if err != nil {
		t.Fatalf("http status: %v", err)
	}
	var status control.Response
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.CaptureRegion.Width != 64 || *status.ActiveClients != 1 {
		t.Fatalf("status = %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type brokenProvider struct{}

func (brokenProvider) Probe() (image.Rectangle, error) { return image.Rect(0, 0, 0, 0), nil }
func (brokenProvider) Open() (capture.Source, error)   { return nil, errors.New("unreachable") }

func TestApplicationFailsFastOnInvalidGeometry(t *testing.T) {
	cfg := testConfig(t)
	application := NewApplicationWithConfig(cfg, brokenProvider{}, zaptest.NewLogger(t), "test")

	err := application.Run(context.Background())
	if !errors.Is(err, stream.ErrInvalidGeometry) {
		t.Fatalf("Run = %v, want ErrInvalidGeometry", err)
	}

	for _, port := range []int{cfg.Stream.Port, cfg.Control.Port, cfg.Control.HTTPPort} {
		if conn, err := net.DialTimeout("tcp", cfg.Addr(port), 200*time.Millisecond); err == nil {
			conn.Close()
			t.Fatalf("port %d accepting after failed startup", port)
		}
	}
}

func TestApplicationReleasesPortsWhenBindFails(t *testing.T) {
	cfg := testConfig(t)

	busy, err := net.Listen("tcp", cfg.Addr(cfg.Control.HTTPPort))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	provider := capture.NewSyntheticProvider(cfg.CaptureOptions())
	application := NewApplicationWithConfig(cfg, provider, zaptest.NewLogger(t), "test")

	if err := application.Run(context.Background()); err == nil || !strings.Contains(err.Error(), strconv.Itoa(cfg.Control.HTTPPort)) {
		t.Fatalf("Run = %v", err)
	}

	// the stream port must be free again
	ln, err := net.Listen("tcp", cfg.Addr(cfg.Stream.Port))
	if err != nil {
		t.Fatalf("stream port still bound: %v", err)
	}
	ln.Close()
}

func TestRouterHealthAndNoRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	application := NewApplicationWithConfig(cfg, capture.NewSyntheticProvider(cfg.CaptureOptions()), zaptest.NewLogger(t), "1.2.3")
	router := application.GetRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if rec.Code != http.StatusOK || health["version"] != "1.2.3" {
		t.Fatalf("health = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no route = %d", rec.Code)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Control.AllowedOrigins = []string{"http://controller.local"}
	application := NewApplicationWithConfig(cfg, capture.NewSyntheticProvider(cfg.CaptureOptions()), zaptest.NewLogger(t), "test")

	req := httptest.NewRequest(http.MethodOptions, "/sensor/region", nil)
	req.Header.Set("Origin", "http://controller.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	application.GetRouter().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://controller.local" {
		t.Fatalf("allow origin = %q (code %d)", got, rec.Code)
	}
}

func TestStopDisconnectsWebSocketClients(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	application := NewApplicationWithConfig(cfg, capture.NewSyntheticProvider(cfg.CaptureOptions()), zaptest.NewLogger(t), "test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	dialWithRetry(t, cfg.Addr(cfg.Control.HTTPPort)).Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+cfg.Addr(cfg.Control.HTTPPort)+"/ws/control", nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"command":"status"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Fatalf("websocket still open after stop: %v", err)
	}
}
