package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"kamera/internal/camera"
	"kamera/internal/config"
	"kamera/internal/logging"
	"kamera/internal/metrics"
	"kamera/internal/server"
	"kamera/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTPサーバーを起動する",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	serveCmd.Flags().Int("port", 0, "サーバーのポート (デフォルト: 8080)")
	serveCmd.Flags().String("device", "", "起動時にキャプチャを開始するデバイス名")
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("camera.default_device", serveCmd.Flags().Lookup("device"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// デバイスの列挙
	table := camera.NewCapabilityTable()
	if err := table.Populate(ctx, cfg.Discovery()); err != nil {
		logger.Warn("デバイスの列挙に失敗しました", "error", err.Error())
	}
	logger.Info("デバイスを列挙しました", "count", table.Len())

	manager := camera.NewV4L2DeviceManager(camera.NewFFmpegStreamer(cfg.Camera.FFmpegPath, logger), logger)
	hub := stream.NewHub(cfg.Stream.JPEGQuality, cfg.Stream.SubscriberBuffer, logger)
	facade := camera.NewFacade(table, manager, hub, cfg.SessionOptions(), logger)

	// セッションが終わったら古いフレームを配信しない
	facade.Session().OnTransition(func(t camera.Transition) {
		switch t.To {
		case camera.StateClosed, camera.StateDisconnected, camera.StateErrorClosed:
			hub.Reset()
		}
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}

	if name := cfg.Camera.DefaultDevice; name != "" {
		if started := facade.StartCapture(name); started != "" {
			logger.Info("キャプチャを開始しました", "device", started)
		}
	}

	srv := server.New(cfg, facade, hub, registry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if cfg.Camera.Hotplug {
		watcher := camera.NewHotplugWatcher("", manager, logger)
		watcher.OnChange(func() {
			if err := facade.Refresh(gctx, cfg.Discovery()); err != nil {
				logger.Warn("デバイスの再列挙に失敗しました", "error", err.Error())
			}
		})
		g.Go(func() error {
			// 監視できない環境でもサーバーは継続する
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("ホットプラグ監視を停止しました", "error", err.Error())
			}
			return nil
		})
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := facade.Close(shutdownCtx); err != nil {
		logger.Warn("セッションの終了に失敗しました", "error", err.Error())
	}
	hub.Close()

	logger.Info("停止しました")
	return runErr
}
