package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// screenPrefix はX11画面をデバイスとして扱う場合のID接頭辞
const screenPrefix = "x11:"

// ScreenDeviceID はX11ディスプレイのデバイスIDを返す
func ScreenDeviceID(display string) DeviceID {
	return DeviceID(screenPrefix + display)
}

// screenDisplay はデバイスIDがX11画面の場合にディスプレイ名を返す
func screenDisplay(id DeviceID) (string, bool) {
	return strings.CutPrefix(string(id), screenPrefix)
}

// ScreenDiscovery はX11画面を1台の仮想カメラとして列挙する
// 画面には広告されたサイズがないため、設定されたサイズとフレームレートを構成とする
type ScreenDiscovery struct {
	display string
	size    Size
	fps     int
	run     commandRunner
}

// NewScreenDiscovery は新しいScreenDiscoveryを作成する
// display が空の場合は何も列挙しない
func NewScreenDiscovery(display string, size Size, fps int) *ScreenDiscovery {
	return &ScreenDiscovery{
		display: display,
		size:    size,
		fps:     fps,
		run:     execRunner,
	}
}

// Enumerate はディスプレイが利用可能ならその構成を返す
func (d *ScreenDiscovery) Enumerate(ctx context.Context) ([]DeviceCapabilities, error) {
	if d.display == "" || !d.size.Valid() || d.fps <= 0 {
		return nil, nil
	}
	if !d.IsDisplayAvailable(ctx) {
		return nil, nil
	}

	return []DeviceCapabilities{{
		ID:         ScreenDeviceID(d.display),
		Name:       "Screen " + d.display,
		Facing:     FacingExternal,
		Sizes:      []Size{d.size},
		FPSRanges:  []FPSRange{{Lower: d.fps, Upper: d.fps}},
		FrameRates: []int{d.fps},
		MinFrameDurations: map[Size]time.Duration{
			d.size: time.Second / time.Duration(d.fps),
		},
		Formats: []string{"MJPG"},
	}}, nil
}

// IsDisplayAvailable はX11ディスプレイが利用可能かチェックする
func (d *ScreenDiscovery) IsDisplayAvailable(ctx context.Context) bool {
	_, err := d.run(ctx, "xdpyinfo", "-display", d.display)
	return err == nil
}

// MultiDiscovery は複数のDiscoveryの結果を順に連結する
type MultiDiscovery []Discovery

// Enumerate はすべてのDiscoveryを実行する
// 一部が失敗しても残りの結果は返す
func (m MultiDiscovery) Enumerate(ctx context.Context) ([]DeviceCapabilities, error) {
	var (
		all  []DeviceCapabilities
		errs []error
	)
	for _, d := range m {
		caps, err := d.Enumerate(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, caps...)
	}
	if len(errs) > 0 {
		return all, fmt.Errorf("一部のデバイスを列挙できません: %w", errors.Join(errs...))
	}
	return all, nil
}
