package camera

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Discovery はデバイス構成を列挙する外部協調者
type Discovery interface {
	// Enumerate はシステム内のカメラデバイスとその構成を列挙する
	Enumerate(ctx context.Context) ([]DeviceCapabilities, error)
}

// commandRunner は外部コマンドを実行して標準出力を返す
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
// v4l2-ctl --list-formats-ext の出力からサイズとフレーム間隔を取得する
type LinuxDiscovery struct {
	pattern string
	run     commandRunner
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
// pattern が空の場合は /dev/video* を走査する
func NewLinuxDiscovery(pattern string) *LinuxDiscovery {
	if pattern == "" {
		pattern = "/dev/video*"
	}
	return &LinuxDiscovery{
		pattern: pattern,
		run:     execRunner,
	}
}

// Enumerate はシステム内のカメラデバイスをスキャンして構成を取得する
func (d *LinuxDiscovery) Enumerate(ctx context.Context) ([]DeviceCapabilities, error) {
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	caps := make([]DeviceCapabilities, 0, len(devices))
	for _, device := range devices {
		c, err := d.Capabilities(ctx, device)
		if err != nil {
			// 構成が取れないデバイスはセッションに使えないため除外する
			continue
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if d.IsDeviceAvailable(ctx, match) {
			devices = append(devices, match)
		}
	}
	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if _, err := os.Stat(device); err != nil {
		return false
	}
	return isV4L2Device(device)
}

// Capabilities はデバイスのストリーム構成を取得する
func (d *LinuxDiscovery) Capabilities(ctx context.Context, device string) (DeviceCapabilities, error) {
	output, err := d.run(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	if err != nil {
		return DeviceCapabilities{}, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}

	caps := ParseFormatsExt(string(output))
	if len(caps.Sizes) == 0 {
		return DeviceCapabilities{}, fmt.Errorf("%s: %w", device, ErrNoCapabilities)
	}

	// メタデータ専用ノード（GREYのみ等）は除外
	if !hasColorFormat(caps.Formats) {
		return DeviceCapabilities{}, fmt.Errorf("%s: カラーフォーマットがありません: %w", device, ErrNoCapabilities)
	}

	caps.ID = DeviceID(device)
	caps.Name = d.deviceName(ctx, device)
	caps.Facing = FacingExternal
	return caps, nil
}

var (
	formatLineRe   = regexp.MustCompile(`^\[\d+\]:\s*'(\w+)'`)
	sizeLineRe     = regexp.MustCompile(`^Size:\s*Discrete\s+(\d+)x(\d+)`)
	intervalLineRe = regexp.MustCompile(`^Interval:\s*Discrete\s+([\d.]+)s(?:\s*\(([\d.]+)\s*fps\))?`)
)

// ParseFormatsExt は v4l2-ctl --list-formats-ext の出力を構成に変換する
//
// サイズは出現順（重複除去）、各サイズの最小フレーム間隔は全フォーマット中の最小値、
// FPS範囲は出現したフレームレート毎の固定範囲 [f, f] を昇順に並べる。
// 広告フレームレートは先頭サイズの最小フレーム間隔から求めた最大値とする。
func ParseFormatsExt(output string) DeviceCapabilities {
	caps := DeviceCapabilities{
		MinFrameDurations: make(map[Size]time.Duration),
	}

	seenSize := make(map[Size]bool)
	seenFormat := make(map[string]bool)
	fpsSet := make(map[int]bool)
	var current Size

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if m := formatLineRe.FindStringSubmatch(line); m != nil {
			if !seenFormat[m[1]] {
				seenFormat[m[1]] = true
				caps.Formats = append(caps.Formats, m[1])
			}
			current = Size{}
			continue
		}

		if m := sizeLineRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			current = Size{Width: w, Height: h}
			if current.Valid() && !seenSize[current] {
				seenSize[current] = true
				caps.Sizes = append(caps.Sizes, current)
			}
			continue
		}

		if m := intervalLineRe.FindStringSubmatch(line); m != nil && current.Valid() {
			d, fps := parseInterval(m[1], m[2])
			if d <= 0 {
				continue
			}
			if prev, ok := caps.MinFrameDurations[current]; !ok || d < prev {
				caps.MinFrameDurations[current] = d
			}
			if fps > 0 {
				fpsSet[fps] = true
			}
		}
	}

	rates := make([]int, 0, len(fpsSet))
	for f := range fpsSet {
		rates = append(rates, f)
	}
	sort.Ints(rates)
	for _, f := range rates {
		caps.FPSRanges = append(caps.FPSRanges, FPSRange{Lower: f, Upper: f})
	}

	if len(caps.Sizes) > 0 {
		if maxFPS, ok := caps.MaxFPS(caps.Sizes[0]); ok {
			caps.FrameRates = []int{maxFPS}
		}
	}

	return caps
}

// parseInterval はフレーム間隔とフレームレートを解析する
// "(30.000 fps)" があればそちらから間隔を求め、丸め誤差を避ける
func parseInterval(seconds, fpsText string) (time.Duration, int) {
	if fpsText != "" {
		fps, err := strconv.ParseFloat(fpsText, 64)
		if err == nil && fps > 0 {
			return time.Duration(float64(time.Second) / fps), int(fps + 0.5)
		}
	}

	sec, err := strconv.ParseFloat(seconds, 64)
	if err != nil || sec <= 0 {
		return 0, 0
	}
	return time.Duration(sec * float64(time.Second)), int(1/sec + 0.5)
}

func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		if f == "YUYV" || f == "MJPG" || f == "NV12" || f == "YU12" {
			return true
		}
	}
	return false
}

// deviceName はv4l2-ctlを使って実際のデバイス名を取得する
func (d *LinuxDiscovery) deviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := d.run(ctx, "v4l2-ctl", "--device", device, "--info")
	if err == nil {
		// "Card type" の行からカメラ名を抽出
		for _, line := range strings.Split(string(output), "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "Card type") {
				continue
			}
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
				return strings.TrimSpace(parts[1])
			}
		}
	}

	// フォールバック: デバイス番号から生成
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

var (
	v4l2DeviceRe   = regexp.MustCompile(`^/dev/video\d+$`)
	deviceNumberRe = regexp.MustCompile(`video(\d+)`)
)

// isV4L2Device はデバイスパスが /dev/videoN 形式かチェックする
func isV4L2Device(device string) bool {
	return v4l2DeviceRe.MatchString(device)
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// StaticDiscovery は固定の構成を返すDiscovery実装（テスト・設定ファイル用）
type StaticDiscovery struct {
	mu   sync.Mutex
	caps []DeviceCapabilities
}

// NewStaticDiscovery は新しいStaticDiscoveryを作成する
func NewStaticDiscovery(caps ...DeviceCapabilities) *StaticDiscovery {
	return &StaticDiscovery{caps: caps}
}

// Enumerate は保持している構成を返す
func (s *StaticDiscovery) Enumerate(_ context.Context) ([]DeviceCapabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeviceCapabilities, len(s.caps))
	for i, c := range s.caps {
		out[i] = c.clone()
	}
	return out, nil
}

// AddDevice はデバイスを追加する
func (s *StaticDiscovery) AddDevice(c DeviceCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.caps {
		if existing.ID == c.ID {
			return
		}
	}
	s.caps = append(s.caps, c)
}

// RemoveDevice はデバイスを削除する
func (s *StaticDiscovery) RemoveDevice(id DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.caps {
		if c.ID == id {
			s.caps = append(s.caps[:i], s.caps[i+1:]...)
			return
		}
	}
}
