package camera

import (
	"fmt"
	"time"
)

// DeviceID は物理カメラを識別する不透明な文字列
type DeviceID string

// Facing はカメラの向きを表す
type Facing string

const (
	FacingUnknown  Facing = "unknown"  // 不明
	FacingFront    Facing = "front"    // 前面カメラ
	FacingBack     Facing = "back"     // 背面カメラ
	FacingExternal Facing = "external" // 外部カメラ（USB等）
)

// Size はカメラの出力解像度を表す
type Size struct {
	Width  int `json:"width"`  // 幅
	Height int `json:"height"` // 高さ
}

// Area は面積を返す。大きなセンサー解像度でもオーバーフローしないようint64で計算する
func (s Size) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

// Valid は幅・高さが共に正の値かチェックする
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// FPSRange はフレームレートの範囲 [Lower, Upper] を表す
type FPSRange struct {
	Lower int `json:"lower"`
	Upper int `json:"upper"`
}

// Valid は Lower <= Upper を満たすかチェックする
func (r FPSRange) Valid() bool {
	return r.Lower <= r.Upper
}

func (r FPSRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Lower, r.Upper)
}

// CaptureTarget は呼び出し側が要求する解像度とフレームレート
// 必ずしもそのまま実現できるとは限らない
type CaptureTarget struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frame_rate"`
}

// Size は要求解像度を返す
func (t CaptureTarget) Size() Size {
	return Size{Width: t.Width, Height: t.Height}
}

// DeviceCapabilities はデバイスが広告するストリーム構成
type DeviceCapabilities struct {
	ID                DeviceID               `json:"id"`
	Name              string                 `json:"name"`
	Facing            Facing                 `json:"facing"`
	Sizes             []Size                 `json:"sizes"`
	FPSRanges         []FPSRange             `json:"fps_ranges"`
	FrameRates        []int                  `json:"frame_rates"`
	MinFrameDurations map[Size]time.Duration `json:"-"`
	Formats           []string               `json:"formats"`
}

// MaxFPS は指定サイズの最小フレーム間隔から最大フレームレートを求める
func (c DeviceCapabilities) MaxFPS(size Size) (int, bool) {
	d, ok := c.MinFrameDurations[size]
	if !ok || d <= 0 {
		return 0, false
	}
	return int(time.Second / d), true
}

// clone は可変なスライスとマップを複製したコピーを返す
func (c DeviceCapabilities) clone() DeviceCapabilities {
	out := c
	out.Sizes = append([]Size(nil), c.Sizes...)
	out.FPSRanges = append([]FPSRange(nil), c.FPSRanges...)
	out.FrameRates = append([]int(nil), c.FrameRates...)
	out.Formats = append([]string(nil), c.Formats...)
	if c.MinFrameDurations != nil {
		out.MinFrameDurations = make(map[Size]time.Duration, len(c.MinFrameDurations))
		for k, v := range c.MinFrameDurations {
			out.MinFrameDurations[k] = v
		}
	}
	return out
}

// State はセッションステートマシンの状態
type State int

const (
	StateClosed State = iota
	StateOpening
	StateConfiguring
	StateStreaming
	StateClosing
	StateDisconnected
	StateErrorClosed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateDisconnected:
		return "disconnected"
	case StateErrorClosed:
		return "error_closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StopStatus は停止要求の結果
type StopStatus int

const (
	StopClosed        StopStatus = 0 // アクティブなセッションを閉じた
	StopNothingActive StopStatus = 1 // 閉じるセッションがなかった
)

// Transition は状態遷移の記録
type Transition struct {
	SessionID  string
	Generation uint64
	DeviceID   DeviceID
	From       State
	To         State
	Err        error
	At         time.Time
}
