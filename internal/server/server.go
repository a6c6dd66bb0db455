package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kamera/internal/camera"
	"kamera/internal/config"
	"kamera/internal/logging"
	"kamera/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	handler    *Handler
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logging.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New は新しいServerインスタンスを作成する
// gatherer が nil の場合は /metrics を登録しない
func New(cfg *config.Config, facade *camera.Facade, hub *stream.Hub, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config: cfg,
		handler: &Handler{
			config: cfg,
			facade: facade,
			hub:    hub,
			logger: logger,
		},
		engine: engine,
		logger: logger,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes(gatherer)
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	h := s.handler

	s.engine.GET("/", h.Root)
	s.engine.GET("/health", h.HealthCheck)

	api := s.engine.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/devices", h.GetDevices)
		api.POST("/capture/start", h.StartCapture)
		api.POST("/capture/stop", h.StopCapture)
		api.PUT("/capture/rotation", h.SetRotation)
		api.GET("/stream", h.GetStream)
		api.GET("/stream/ws", h.GetStreamWebSocket)
	}

	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		})))
	}
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr はリッスン中のアドレスを返す（起動前は nil）
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start はサーバーを起動し、ctx がキャンセルされるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの実行に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case err := <-errCh:
		return err
	}

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("サーバーをシャットダウンしています")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエスト毎にアクセスログを出力する
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTPリクエスト",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
