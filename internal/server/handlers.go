package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kamera/internal/camera"
	"kamera/internal/config"
	"kamera/internal/logging"
	"kamera/internal/stream"
)

const wsWriteTimeout = 5 * time.Second

// Handler はAPIエンドポイントを実装する
type Handler struct {
	config *config.Config
	facade *camera.Facade
	hub    *stream.Hub
	logger *logging.Logger
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status      string                 `json:"status"`
	Server      ServerInfo             `json:"server"`
	Devices     int                    `json:"devices"`
	Session     camera.SessionSnapshot `json:"session"`
	Rotation    int                    `json:"rotation"`
	Subscribers int                    `json:"subscribers"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ServerInfo はリッスン先の情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StartRequest はキャプチャ開始の要求
type StartRequest struct {
	Device string `json:"device"`
}

// RotationRequest は回転角の設定要求
type RotationRequest struct {
	Degrees *int `json:"degrees" binding:"required"`
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Devices:     len(h.facade.Devices()),
		Session:     h.facade.Snapshot(),
		Rotation:    h.facade.Session().Router().Rotation(),
		Subscribers: h.hub.Subscribers(),
		Timestamp:   time.Now(),
	})
}

// GetDevices は列挙済みデバイス一覧の取得
func (h *Handler) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.facade.Devices()})
}

// StartCapture はキャプチャの開始
// 開始できない場合は 404 と空のデバイス名を返す
func (h *Handler) StartCapture(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	name := h.facade.StartCapture(req.Device)
	if name == "" {
		c.JSON(http.StatusNotFound, gin.H{"device": ""})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": name})
}

// StopCapture はキャプチャの停止
// code はセッションを閉じた場合 0、アクティブなセッションがなかった場合 1
func (h *Handler) StopCapture(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": h.facade.StopCapture()})
}

// SetRotation は配信フレームの回転角を設定する
func (h *Handler) SetRotation(c *gin.Context) {
	var req RotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.facade.SetRotation(*req.Degrees); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_rotation", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"degrees": *req.Degrees})
}

// GetStream はMJPEGストリームを配信する
func (h *Handler) GetStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	sub := h.hub.Subscribe()
	defer sub.Close()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writeFrame := func(frame []byte) error {
		if _, err := c.Writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return err
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		if _, err := c.Writer.Write([]byte("\r\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// 接続直後に直近のフレームを送る
	if latest, ok := h.hub.Latest(); ok {
		if err := writeFrame(latest); err != nil {
			return
		}
	} else {
		flusher.Flush()
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if err := writeFrame(frame); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// GetStreamWebSocket はJPEGフレームをWebSocketのバイナリメッセージで配信する
func (h *Handler) GetStreamWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗", "error", err.Error())
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe()
	defer sub.Close()

	// クライアントからのメッセージは読み捨て、切断を検知する
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(frame []byte) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	if latest, ok := h.hub.Latest(); ok {
		if err := send(latest); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			if err := send(frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("WebSocketへの送信に失敗", "error", err.Error())
				}
				return
			}
		}
	}
}

// Root は簡易ビューアを返す
func (h *Handler) Root(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Kamera</title>
</head>
<body>
    <h1>Kamera</h1>
    <p><img src="/api/stream" alt="stream"></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>デバイス一覧: <a href="/api/devices">/api/devices</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`))
}
