package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"kamera/internal/camera"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

// TestConfigLoad はデフォルト設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("ポート番号が一致しません: got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("読み込みタイムアウトが一致しません: got %v", cfg.Server.ReadTimeout)
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout != 0 {
		t.Errorf("書き込みタイムアウトが一致しません: got %v", cfg.Server.WriteTimeout)
	}

	// カメラ設定の検証
	opts := cfg.SessionOptions()
	if opts.FPSMax != 30 || opts.FPSTarget != 15 {
		t.Errorf("フレームレート設定が一致しません: %+v", opts)
	}
	if opts.MaxWidth != 1920 || opts.MaxHeight != 1080 {
		t.Errorf("最大解像度が一致しません: %+v", opts)
	}
	if opts.ReaderMaxImages != 8 {
		t.Errorf("reader_max_images が一致しません: %d", opts.ReaderMaxImages)
	}
	if !cfg.Camera.Hotplug {
		t.Error("ホットプラグ監視が既定で有効になっていません")
	}
	if cfg.Stream.JPEGQuality != 85 {
		t.Errorf("JPEG品質が一致しません: %d", cfg.Stream.JPEGQuality)
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{"正常な設定", func(c *Config) {}, false},
		{"無効なポート番号", func(c *Config) { c.Server.Port = 99999 }, true},
		{"目標FPSが上限を超える", func(c *Config) { c.Camera.FPSTarget = 60 }, true},
		{"FPS上限が0", func(c *Config) { c.Camera.FPSMax = 0 }, true},
		{"最大解像度が0", func(c *Config) { c.Camera.MaxWidth = 0 }, true},
		{"負の表示サイズ", func(c *Config) { c.Camera.ViewHeight = -1 }, true},
		{"リーダーの上限が0", func(c *Config) { c.Camera.ReaderMaxImages = 0 }, true},
		{"JPEG品質が範囲外", func(c *Config) { c.Stream.JPEGQuality = 101 }, true},
		{"購読バッファが0", func(c *Config) { c.Stream.SubscriberBuffer = 0 }, true},
		{"無効なログレベル", func(c *Config) { c.Logging.Level = "TRACE" }, true},
		{"負のタイムアウト", func(c *Config) { c.Server.ReadTimeout = -time.Second }, true},
		{"画面キャプチャ", func(c *Config) { c.Camera.ScreenDisplay = ":0" }, false},
		{"画面キャプチャのFPSが0", func(c *Config) { c.Camera.ScreenDisplay = ":0"; c.Camera.ScreenFPS = 0 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestDiscovery は画面キャプチャの有無で列挙方法が変わることをテストする
func TestDiscovery(t *testing.T) {
	cfg := Default()
	if multi, ok := cfg.Discovery().(camera.MultiDiscovery); !ok || len(multi) != 1 {
		t.Errorf("V4L2のみの列挙が期待されました: %#v", cfg.Discovery())
	}

	cfg.Camera.ScreenDisplay = ":0"
	if multi, ok := cfg.Discovery().(camera.MultiDiscovery); !ok || len(multi) != 2 {
		t.Errorf("画面を含む列挙が期待されました: %#v", cfg.Discovery())
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
// 注意: このテストは環境変数を変更するため、parallelは使わない
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("KAMERA_SERVER_HOST", "test.example.com")
	t.Setenv("KAMERA_SERVER_PORT", "9999")
	t.Setenv("KAMERA_CAMERA_FPS_TARGET", "24")
	t.Setenv("KAMERA_LOGGING_LEVEL", "debug")

	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("ホストが一致しません: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("ポート番号が一致しません: got %d", cfg.Server.Port)
	}
	if cfg.Camera.FPSTarget != 24 {
		t.Errorf("目標FPSが一致しません: got %d", cfg.Camera.FPSTarget)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("ログレベルが一致しません: got %s", cfg.Logging.Level)
	}
}

// TestConfigFile はYAMLファイルからの読み込みをテストする
func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
  read_timeout: 5s
camera:
  view_width: 640
  view_height: 480
  default_device: "HD Webcam"
stream:
  jpeg_quality: 70
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("設定ファイルの読み込みに失敗しました: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9000 || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("サーバー設定が一致しません: %+v", cfg.Server)
	}
	if cfg.Camera.ViewWidth != 640 || cfg.Camera.ViewHeight != 480 {
		t.Errorf("表示サイズが一致しません: %dx%d", cfg.Camera.ViewWidth, cfg.Camera.ViewHeight)
	}
	if cfg.Camera.DefaultDevice != "HD Webcam" {
		t.Errorf("既定デバイスが一致しません: %s", cfg.Camera.DefaultDevice)
	}
	if cfg.Stream.JPEGQuality != 70 {
		t.Errorf("JPEG品質が一致しません: %d", cfg.Stream.JPEGQuality)
	}
	// ファイルで指定していない値はデフォルトのまま
	if cfg.Camera.FPSMax != 30 {
		t.Errorf("FPS上限が一致しません: %d", cfg.Camera.FPSMax)
	}
}
