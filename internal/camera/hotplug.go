package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/fsnotify/fsnotify"

	"kamera/internal/logging"
)

// Disconnector はデバイスの取り外しを受け取る
type Disconnector interface {
	Disconnect(id DeviceID)
}

// HotplugWatcher は /dev を監視し、V4L2デバイスノードの削除を通知する
// OnChange で登録した関数はノードの追加・削除のたびに呼ばれる
type HotplugWatcher struct {
	dir      string
	target   Disconnector
	logger   *logging.Logger
	onChange func()
}

// NewHotplugWatcher は新しいHotplugWatcherを作成する
func NewHotplugWatcher(dir string, target Disconnector, logger *logging.Logger) *HotplugWatcher {
	if dir == "" {
		dir = "/dev"
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &HotplugWatcher{
		dir:    dir,
		target: target,
		logger: logger,
	}
}

// OnChange はデバイスノードの増減時に呼ぶ関数を登録する（再列挙用）
func (w *HotplugWatcher) OnChange(fn func()) {
	w.onChange = fn
}

// Run は ctx がキャンセルされるまで監視を続ける
func (w *HotplugWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("%s の監視に失敗: %w", w.dir, err)
	}
	w.logger.Info("ホットプラグ監視を開始しました", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("ファイル監視エラー", "error", err.Error())
		}
	}
}

var videoNodeRe = regexp.MustCompile(`^video\d+$`)

func (w *HotplugWatcher) handle(ev fsnotify.Event) {
	if !videoNodeRe.MatchString(filepath.Base(ev.Name)) {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove):
		w.target.Disconnect(DeviceID(ev.Name))
	case ev.Has(fsnotify.Create):
		w.logger.Info("デバイスが接続されました", "device", ev.Name)
	default:
		return
	}

	if w.onChange != nil {
		w.onChange()
	}
}
