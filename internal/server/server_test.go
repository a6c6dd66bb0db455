package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"kamera/internal/camera"
	"kamera/internal/config"
	"kamera/internal/metrics"
	"kamera/internal/stream"
)

// テスト用のJPEGデータ（SOI/EOIのみ検査される）
var testFrame = []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

type testEnv struct {
	server  *Server
	facade  *camera.Facade
	manager *camera.MockDeviceManager
	hub     *stream.Hub
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	table := camera.NewCapabilityTable(camera.DeviceCapabilities{
		ID:         "/dev/video0",
		Name:       "USB Camera",
		Facing:     camera.FacingExternal,
		Sizes:      []camera.Size{{Width: 1280, Height: 720}, {Width: 640, Height: 480}},
		FPSRanges:  []camera.FPSRange{{Lower: 15, Upper: 15}, {Lower: 30, Upper: 30}},
		FrameRates: []int{30},
		Formats:    []string{"MJPG"},
	})

	manager := camera.NewMockDeviceManager()
	manager.AutoOpen = true
	manager.AutoConfigure = true

	hub := stream.NewHub(cfg.Stream.JPEGQuality, cfg.Stream.SubscriberBuffer, nil)
	facade := camera.NewFacade(table, manager, hub, cfg.SessionOptions(), nil)

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		t.Fatalf("メトリクスの登録に失敗しました: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = facade.Close(ctx)
		hub.Close()
	})

	return &testEnv{
		server:  New(cfg, facade, hub, registry, nil),
		facade:  facade,
		manager: manager,
		hub:     hub,
	}
}

func (e *testEnv) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := e.facade.Session().Flush(ctx); err != nil {
			t.Fatalf("Flushに失敗しました: %v", err)
		}
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗しました: %v (%s)", err, w.Body.String())
	}
	return body
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.Start(ctx)
	}()

	// サーバーが起動するまで待つ
	deadline := time.Now().Add(2 * time.Second)
	for env.server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("サーバーの起動がタイムアウトしました")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", env.server.Addr()))
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("予期しないステータスコード: got %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints は各エンドポイントの応答をテストする
func TestServerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Publish(testFrame)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contains       string
	}{
		{"ルートエンドポイント", "/", http.StatusOK, "/api/stream"},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK, `"healthy"`},
		{"ステータスエンドポイント", "/api/status", http.StatusOK, `"state":"closed"`},
		{"デバイス一覧エンドポイント", "/api/devices", http.StatusOK, `"USB Camera"`},
		{"メトリクスエンドポイント", "/metrics", http.StatusOK, "kamera_stream_frames_total"},
		{"存在しないパス", "/nothing", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodGet, tc.endpoint, "")
			if w.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, tc.expectedStatus)
			}
			if tc.contains != "" && !strings.Contains(w.Body.String(), tc.contains) {
				t.Errorf("レスポンスに %s が含まれていません: %s", tc.contains, w.Body.String())
			}
		})
	}
}

// TestCaptureStartStop はキャプチャの開始と停止をテストする
func TestCaptureStartStop(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/capture/start", `{"device":"USB Camera"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d (%s)", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["device"]; got != "USB Camera" {
		t.Errorf("デバイス名が一致しません: got %v", got)
	}

	env.settle(t)
	if state := env.facade.Snapshot().State; state != camera.StateStreaming {
		t.Fatalf("ストリーミング状態になっていません: %s", state)
	}

	status := decodeBody(t, env.do(http.MethodGet, "/api/status", ""))
	session, _ := status["session"].(map[string]any)
	if session["state"] != "streaming" {
		t.Errorf("ステータスのセッション状態が一致しません: %v", session["state"])
	}

	w = env.do(http.MethodPost, "/api/capture/stop", "")
	if got := decodeBody(t, w)["code"]; got != float64(0) {
		t.Errorf("停止コードが一致しません: got %v", got)
	}
	w = env.do(http.MethodPost, "/api/capture/stop", "")
	if got := decodeBody(t, w)["code"]; got != float64(1) {
		t.Errorf("2回目の停止コードが一致しません: got %v", got)
	}

	env.settle(t)
	if env.manager.OpenCount() != env.manager.CloseCount() {
		t.Errorf("オープンとクローズの回数が一致しません: %d / %d", env.manager.OpenCount(), env.manager.CloseCount())
	}
}

// TestCaptureStartErrors は開始できない要求をテストする
func TestCaptureStartErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/capture/start", `{"device":"Unknown"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("予期しないステータスコード: got %d", w.Code)
	}
	if got := decodeBody(t, w)["device"]; got != "" {
		t.Errorf("空のデバイス名が期待されました: got %v", got)
	}

	w = env.do(http.MethodPost, "/api/capture/start", `{"device":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("不正なJSONで400が期待されました: got %d", w.Code)
	}

	env.settle(t)
	if len(env.manager.Devices()) != 0 {
		t.Error("デバイスがオープンされていました")
	}
}

// TestSetRotation は回転角の設定をテストする
func TestSetRotation(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"90度", `{"degrees":90}`, http.StatusOK},
		{"0度", `{"degrees":0}`, http.StatusOK},
		{"270度", `{"degrees":270}`, http.StatusOK},
		{"無効な角度", `{"degrees":45}`, http.StatusBadRequest},
		{"角度なし", `{}`, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPut, "/api/capture/rotation", tc.body)
			if w.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d (%s)", w.Code, tc.expectedStatus, w.Body.String())
			}
		})
	}

	if got := env.facade.Session().Router().Rotation(); got != 270 {
		t.Errorf("回転角が一致しません: got %d", got)
	}
}

// TestFrameDelivery はデバイスのフレームがHubまで届くことをテストする
func TestFrameDelivery(t *testing.T) {
	env := newTestEnv(t)

	if name := env.facade.StartCapture("USB Camera"); name == "" {
		t.Fatal("キャプチャを開始できませんでした")
	}
	env.settle(t)

	sess := env.manager.Last().Session()
	if sess == nil {
		t.Fatal("キャプチャセッションがありません")
	}
	if err := sess.EmitFrame(testFrame); err != nil {
		t.Fatalf("フレームの書き込みに失敗しました: %v", err)
	}
	env.settle(t)

	latest, ok := env.hub.Latest()
	if !ok {
		t.Fatal("フレームが配信されていません")
	}
	if !bytes.Equal(latest, testFrame) {
		t.Errorf("配信されたフレームが一致しません: %x", latest)
	}
}

// TestMJPEGStream はMJPEGストリーミングをテストする
func TestMJPEGStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	env.hub.Publish(testFrame)

	resp, err := http.Get(ts.URL + "/api/stream")
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("Content-Typeが一致しません: %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("境界の読み込みに失敗しました: %v", err)
	}
	if line != "--frame\r\n" {
		t.Errorf("境界が一致しません: %q", line)
	}
	line, _ = reader.ReadString('\n')
	if line != "Content-Type: image/jpeg\r\n" {
		t.Errorf("パートのContent-Typeが一致しません: %q", line)
	}
	_, _ = reader.ReadString('\n')

	frame := make([]byte, len(testFrame))
	if _, err := io.ReadFull(reader, frame); err != nil {
		t.Fatalf("フレームの読み込みに失敗しました: %v", err)
	}
	if !bytes.Equal(frame, testFrame) {
		t.Errorf("フレームが一致しません: %x", frame)
	}

	// Hubを閉じるとストリームが終了する
	env.hub.Close()
}

// TestWebSocketStream はWebSocketでのフレーム配信をテストする
func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	env.hub.Publish(testFrame)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocketの接続に失敗しました: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("メッセージの受信に失敗しました: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Errorf("バイナリメッセージが期待されました: %d", mt)
	}
	if !bytes.Equal(data, testFrame) {
		t.Errorf("フレームが一致しません: %x", data)
	}

	next := []byte{0xFF, 0xD8, 0x09, 0xFF, 0xD9}
	env.hub.Publish(next)
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("2つ目のメッセージの受信に失敗しました: %v", err)
	}
	if !bytes.Equal(data, next) {
		t.Errorf("2つ目のフレームが一致しません: %x", data)
	}

	env.hub.Close()
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("CloseGoingAwayが期待されました: %v", err)
	}
}
