package camera

import (
	"errors"
	"fmt"
)

// セッション管理で発生するエラーの分類
// いずれもプロセスを停止させるものではなく、セッションを Closed に戻して回復する
var (
	ErrNotFound            = errors.New("デバイスが見つかりません")
	ErrNoCapabilities      = errors.New("利用可能なストリーム構成がありません")
	ErrOpenFailed          = errors.New("デバイスのオープンに失敗")
	ErrSecurityDenied      = errors.New("デバイスへのアクセスが拒否されました")
	ErrConfigurationFailed = errors.New("キャプチャセッションの構成に失敗")
	ErrDisconnected        = errors.New("デバイスが切断されました")
	ErrHardware            = errors.New("ハードウェアエラー")
)

// SessionError はセッション操作の失敗を、発生時の状態とセッション識別子付きで表す
type SessionError struct {
	Op         string   // 操作名（open, configure, stream 等）
	DeviceID   DeviceID // 対象デバイス
	SessionID  string   // セッション識別子
	Generation uint64   // セッション世代
	State      State    // 失敗時の状態
	Code       int      // ハードウェアエラーコード（ErrHardware の場合のみ有効）
	Err        error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s 失敗 (device=%s session=%s gen=%d state=%s)", e.Op, e.DeviceID, e.SessionID, e.Generation, e.State)
	if errors.Is(e.Err, ErrHardware) {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// HardwareErrorCode はエラーに含まれるハードウェアエラーコードを取り出す
func HardwareErrorCode(err error) (int, bool) {
	var se *SessionError
	if errors.As(err, &se) && errors.Is(se.Err, ErrHardware) {
		return se.Code, true
	}
	return 0, false
}

// ErrorKind はメトリクスやログ用にエラーの分類名を返す
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoCapabilities):
		return "no_capabilities"
	case errors.Is(err, ErrSecurityDenied):
		return "security_denied"
	case errors.Is(err, ErrOpenFailed):
		return "open_failed"
	case errors.Is(err, ErrConfigurationFailed):
		return "configuration_failed"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrHardware):
		return "hardware"
	default:
		return "unknown"
	}
}
