// Package logging はslogを用いたJSON形式の構造化ログを提供する
//
// セッションIDや世代番号などの属性を子ロガーに引き継ぎ、
// 古いセッションのコールバックを事後に突き合わせられるようにする。
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ログレベル
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger は属性を引き継げる構造化ロガー。並行利用して安全
type Logger struct {
	logger *slog.Logger
	out    *output
	attrs  []slog.Attr
	child  bool
}

// output はルートロガーと子ロガーで共有する出力先。所有者はルートロガーのみ
type output struct {
	mu   sync.Mutex
	file *os.File
}

// NewLogger はログディレクトリ配下の kamera.log にJSON形式で書き込むLoggerを作成する
// dir が空の場合は標準エラー出力に書き込む
func NewLogger(dir string, level string) (*Logger, error) {
	var writer io.Writer = os.Stderr
	var file *os.File

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}

		var err error
		file, err = os.OpenFile(filepath.Join(dir, "kamera.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("ログファイルのオープンに失敗: %w", err)
		}
		writer = file
	}

	l := NewWriterLogger(writer, level)
	l.out.file = file
	return l, nil
}

// NewWriterLogger は任意のWriterに書き込むLoggerを作成する
func NewWriterLogger(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{
		logger: slog.New(handler),
		out:    &output{},
	}
}

// NopLogger はすべての出力を捨てるLoggerを返す
func NopLogger() *Logger {
	return NewWriterLogger(io.Discard, LevelError)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel はレベル文字列が有効かチェックする
func ValidLevel(level string) bool {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// WithSession はセッションIDを付与した子ロガーを返す
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.With("session_id", sessionID)
}

// With はキーと値を交互に指定して属性を付与した子ロガーを返す
func (l *Logger) With(args ...any) *Logger {
	if len(args) < 2 {
		return l
	}

	attrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	attrs = append(attrs, l.attrs...)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}

	return &Logger{
		logger: l.logger,
		out:    l.out,
		attrs:  attrs,
		child:  true,
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	all := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	all = append(all, args...)
	l.logger.Log(context.Background(), level, msg, all...)
}

// Close はログファイルをフラッシュして閉じる。標準エラー出力の場合は何もしない
// 子ロガーの Close は何もしない。ファイルはルートロガーの Close でのみ閉じられる
func (l *Logger) Close() error {
	if l.child {
		return nil
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.file == nil {
		return nil
	}
	if err := l.out.file.Sync(); err != nil {
		return fmt.Errorf("ログファイルの同期に失敗: %w", err)
	}
	if err := l.out.file.Close(); err != nil {
		return fmt.Errorf("ログファイルのクローズに失敗: %w", err)
	}
	l.out.file = nil
	return nil
}
