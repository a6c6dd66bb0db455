package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"kamera/internal/logging"
)

var errInstallHint = errors.New("実行ファイルが見つかりません。ffmpeg と v4l-utils をインストールしてください")

// StreamConfig は連続キャプチャの設定
type StreamConfig struct {
	Device    string // デバイスパス（/dev/videoN）またはX11画面のデバイスID
	Size      Size   // 出力解像度
	FrameRate int    // 取得フレームレート
}

// FrameStreamer はデバイスからJPEGフレームを連続取得する
// Stream は ctx がキャンセルされるかストリームが終了するまでブロックする
type FrameStreamer interface {
	Stream(ctx context.Context, cfg StreamConfig, onFrame func(data []byte)) error
}

// FFmpegStreamer はffmpegを使ってV4L2デバイスからMJPEGフレームを取得する
type FFmpegStreamer struct {
	ffmpegPath string
	logger     *logging.Logger
}

// NewFFmpegStreamer は新しいFFmpegStreamerを作成する
func NewFFmpegStreamer(ffmpegPath string, logger *logging.Logger) *FFmpegStreamer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &FFmpegStreamer{
		ffmpegPath: ffmpegPath,
		logger:     logger,
	}
}

// Args はffmpegのコマンドライン引数を返す
func (s *FFmpegStreamer) Args(cfg StreamConfig) []string {
	input, display := "v4l2", ""
	if d, ok := screenDisplay(DeviceID(cfg.Device)); ok {
		input, display = "x11grab", d
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-f", input}
	if cfg.Size.Valid() {
		args = append(args, "-video_size", cfg.Size.String())
	}
	if cfg.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(cfg.FrameRate))
	}
	if display != "" {
		args = append(args, "-i", display, "-vf", "format=yuv420p")
	} else {
		args = append(args, "-i", cfg.Device)
	}
	return append(args,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// Stream はffmpegを起動し、切り出したJPEGフレームを onFrame に渡す
// ctx のキャンセルによる終了は nil を返す
func (s *FFmpegStreamer) Stream(ctx context.Context, cfg StreamConfig, onFrame func(data []byte)) error {
	cmd := exec.CommandContext(ctx, s.ffmpegPath, s.Args(cfg)...)
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errInstallHint
		}
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}
	s.logger.Debug("ffmpegを起動しました", "device", cfg.Device, "size", cfg.Size.String(), "rate", cfg.FrameRate)

	splitter := &jpegSplitter{emit: onFrame}
	_, copyErr := io.Copy(splitter, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if waitErr != nil {
		return &StreamError{Err: waitErr, Stderr: strings.TrimSpace(stderr.String())}
	}
	if copyErr != nil {
		return fmt.Errorf("フレーム読み取りエラー: %w", copyErr)
	}
	return nil
}

// StreamError はffmpegの異常終了を表す
type StreamError struct {
	Err    error
	Stderr string
}

func (e *StreamError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpegが異常終了しました: %v", e.Err)
	}
	return fmt.Sprintf("ffmpegが異常終了しました: %v (stderr: %s)", e.Err, e.Stderr)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ExitCode はffmpegの終了コードを返す。取得できない場合は -1
func (e *StreamError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// jpegSplitter はMJPEGのバイト列をSOI/EOIマーカーでフレームに切り出す
type jpegSplitter struct {
	buf  []byte
	emit func(frame []byte)
}

func (s *jpegSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)

	for {
		start := bytes.Index(s.buf, jpegStart)
		if start == -1 {
			// マーカーの前半だけが届いている可能性があるので末尾1バイトは残す
			if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
				s.buf = append(s.buf[:0], 0xFF)
			} else {
				s.buf = s.buf[:0]
			}
			break
		}

		end := bytes.Index(s.buf[start+2:], jpegEnd)
		if end == -1 {
			// 完全なフレームがまだない
			if start > 0 {
				s.buf = append(s.buf[:0], s.buf[start:]...)
			}
			break
		}

		end += start + 2 + len(jpegEnd)
		frame := make([]byte, end-start)
		copy(frame, s.buf[start:end])
		s.buf = append(s.buf[:0], s.buf[end:]...)

		if s.emit != nil {
			s.emit(frame)
		}
	}
	return len(p), nil
}

// tailBuffer は書き込まれた内容の末尾 limit バイトだけを保持する
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
