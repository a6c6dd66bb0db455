package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"kamera/internal/camera"
	"kamera/internal/logging"
)

// EnvPrefix は設定を上書きする環境変数の接頭辞
const EnvPrefix = "KAMERA"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Camera  CameraConfig  `mapstructure:"camera"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `mapstructure:"host"` // リッスンするホスト
	Port int    `mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラセッションの設定
type CameraConfig struct {
	// パラメータ交渉
	FPSMax    int `mapstructure:"fps_max"`    // これを超える上限のFPS範囲は選ばない
	FPSTarget int `mapstructure:"fps_target"` // 目標フレームレート
	MaxWidth  int `mapstructure:"max_width"`  // 出力解像度の上限
	MaxHeight int `mapstructure:"max_height"`

	// 表示サイズ（0 の場合は要求解像度）
	ViewWidth  int `mapstructure:"view_width"`
	ViewHeight int `mapstructure:"view_height"`

	ReaderMaxImages int `mapstructure:"reader_max_images"`

	DeviceGlob    string `mapstructure:"device_glob"`    // 列挙対象のデバイスパス
	FFmpegPath    string `mapstructure:"ffmpeg_path"`    // ffmpegの実行ファイル
	Hotplug       bool   `mapstructure:"hotplug"`        // /dev の監視を有効にする
	DefaultDevice string `mapstructure:"default_device"` // 起動時に開始するデバイス名（空なら開始しない）

	// X11画面を仮想カメラとして列挙する（空なら無効）
	ScreenDisplay string `mapstructure:"screen_display"`
	ScreenWidth   int    `mapstructure:"screen_width"`
	ScreenHeight  int    `mapstructure:"screen_height"`
	ScreenFPS     int    `mapstructure:"screen_fps"`
}

// StreamConfig はフレーム配信の設定
type StreamConfig struct {
	JPEGQuality      int `mapstructure:"jpeg_quality"`      // 再エンコード時のJPEG品質
	SubscriberBuffer int `mapstructure:"subscriber_buffer"` // 購読者毎のバッファ数
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"` // 空なら標準エラー出力
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			FPSMax:          30,
			FPSTarget:       15,
			MaxWidth:        1920,
			MaxHeight:       1080,
			ReaderMaxImages: 8,
			DeviceGlob:      "/dev/video*",
			FFmpegPath:      "ffmpeg",
			Hotplug:         true,
			ScreenWidth:     1280,
			ScreenHeight:    720,
			ScreenFPS:       15,
		},
		Stream: StreamConfig{
			JPEGQuality:      85,
			SubscriberBuffer: 2,
		},
		Logging: LoggingConfig{
			Level: logging.LevelInfo,
		},
	}
}

// SetDefaults はviperにデフォルト値を登録する
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("camera.fps_max", d.Camera.FPSMax)
	v.SetDefault("camera.fps_target", d.Camera.FPSTarget)
	v.SetDefault("camera.max_width", d.Camera.MaxWidth)
	v.SetDefault("camera.max_height", d.Camera.MaxHeight)
	v.SetDefault("camera.view_width", d.Camera.ViewWidth)
	v.SetDefault("camera.view_height", d.Camera.ViewHeight)
	v.SetDefault("camera.reader_max_images", d.Camera.ReaderMaxImages)
	v.SetDefault("camera.device_glob", d.Camera.DeviceGlob)
	v.SetDefault("camera.ffmpeg_path", d.Camera.FFmpegPath)
	v.SetDefault("camera.hotplug", d.Camera.Hotplug)
	v.SetDefault("camera.default_device", d.Camera.DefaultDevice)
	v.SetDefault("camera.screen_display", d.Camera.ScreenDisplay)
	v.SetDefault("camera.screen_width", d.Camera.ScreenWidth)
	v.SetDefault("camera.screen_height", d.Camera.ScreenHeight)
	v.SetDefault("camera.screen_fps", d.Camera.ScreenFPS)

	v.SetDefault("stream.jpeg_quality", d.Stream.JPEGQuality)
	v.SetDefault("stream.subscriber_buffer", d.Stream.SubscriberBuffer)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
}

// BindEnv は KAMERA_SERVER_PORT のような環境変数で設定を上書きできるようにする
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load はviperから設定を読み込んで検証する
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("タイムアウトに負の値は指定できません")
	}

	// カメラ設定の検証
	if c.Camera.FPSMax <= 0 || c.Camera.FPSTarget <= 0 {
		return fmt.Errorf("無効なフレームレート: fps_max=%d fps_target=%d", c.Camera.FPSMax, c.Camera.FPSTarget)
	}
	if c.Camera.FPSTarget > c.Camera.FPSMax {
		return fmt.Errorf("fps_target(%d) が fps_max(%d) を超えています", c.Camera.FPSTarget, c.Camera.FPSMax)
	}
	if c.Camera.MaxWidth <= 0 || c.Camera.MaxHeight <= 0 {
		return fmt.Errorf("無効な最大解像度: %dx%d", c.Camera.MaxWidth, c.Camera.MaxHeight)
	}
	if c.Camera.ViewWidth < 0 || c.Camera.ViewHeight < 0 {
		return fmt.Errorf("無効な表示サイズ: %dx%d", c.Camera.ViewWidth, c.Camera.ViewHeight)
	}
	if c.Camera.ReaderMaxImages < 1 {
		return fmt.Errorf("reader_max_images は1以上を指定してください: %d", c.Camera.ReaderMaxImages)
	}
	if c.Camera.ScreenDisplay != "" {
		if c.Camera.ScreenWidth <= 0 || c.Camera.ScreenHeight <= 0 || c.Camera.ScreenFPS <= 0 {
			return fmt.Errorf("無効な画面キャプチャ設定: %dx%d@%d", c.Camera.ScreenWidth, c.Camera.ScreenHeight, c.Camera.ScreenFPS)
		}
	}

	// 配信設定の検証
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Stream.JPEGQuality)
	}
	if c.Stream.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer は1以上を指定してください: %d", c.Stream.SubscriberBuffer)
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Discovery はデバイスの列挙方法を返す
func (c *Config) Discovery() camera.Discovery {
	discoveries := camera.MultiDiscovery{camera.NewLinuxDiscovery(c.Camera.DeviceGlob)}
	if c.Camera.ScreenDisplay != "" {
		size := camera.Size{Width: c.Camera.ScreenWidth, Height: c.Camera.ScreenHeight}
		discoveries = append(discoveries, camera.NewScreenDiscovery(c.Camera.ScreenDisplay, size, c.Camera.ScreenFPS))
	}
	return discoveries
}

// SessionOptions はパラメータ交渉の設定を返す
func (c *Config) SessionOptions() camera.SessionOptions {
	return camera.SessionOptions{
		FPSMax:          c.Camera.FPSMax,
		FPSTarget:       c.Camera.FPSTarget,
		MaxWidth:        c.Camera.MaxWidth,
		MaxHeight:       c.Camera.MaxHeight,
		ViewWidth:       c.Camera.ViewWidth,
		ViewHeight:      c.Camera.ViewHeight,
		ReaderMaxImages: c.Camera.ReaderMaxImages,
	}
}
