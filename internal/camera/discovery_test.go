package camera

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const sampleFormatsExt = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1280x720
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.067s (15.000 fps)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 1280x720
			Interval: Discrete 0.100s (10.000 fps)
		Size: Discrete 320x240
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.200s
`

func TestParseFormatsExt(t *testing.T) {
	caps := ParseFormatsExt(sampleFormatsExt)

	wantSizes := []Size{{1280, 720}, {640, 480}, {320, 240}}
	if len(caps.Sizes) != len(wantSizes) {
		t.Fatalf("Expected %d sizes, got %v", len(wantSizes), caps.Sizes)
	}
	for i, s := range wantSizes {
		if caps.Sizes[i] != s {
			t.Errorf("Size %d: expected %s, got %s", i, s, caps.Sizes[i])
		}
	}

	if strings.Join(caps.Formats, ",") != "MJPG,YUYV" {
		t.Errorf("Expected formats MJPG,YUYV, got %v", caps.Formats)
	}

	wantRanges := []FPSRange{{5, 5}, {10, 10}, {15, 15}, {30, 30}}
	if len(caps.FPSRanges) != len(wantRanges) {
		t.Fatalf("Expected %d ranges, got %v", len(wantRanges), caps.FPSRanges)
	}
	for i, r := range wantRanges {
		if caps.FPSRanges[i] != r {
			t.Errorf("Range %d: expected %s, got %s", i, r, caps.FPSRanges[i])
		}
	}

	// 全フォーマット中の最小フレーム間隔
	if fps, ok := caps.MaxFPS(Size{1280, 720}); !ok || fps != 30 {
		t.Errorf("Expected 1280x720 max fps 30, got %d (%v)", fps, ok)
	}
	if len(caps.FrameRates) != 1 || caps.FrameRates[0] != 30 {
		t.Errorf("Expected frame rates [30], got %v", caps.FrameRates)
	}
}

func TestParseFormatsExt_Empty(t *testing.T) {
	caps := ParseFormatsExt("")
	if len(caps.Sizes) != 0 || len(caps.FPSRanges) != 0 || len(caps.FrameRates) != 0 {
		t.Errorf("Expected empty capabilities, got %+v", caps)
	}
}

func TestParseInterval(t *testing.T) {
	d, fps := parseInterval("0.033", "30.000")
	if fps != 30 {
		t.Errorf("Expected 30 fps, got %d", fps)
	}
	if d != time.Second/30 {
		t.Errorf("Expected %v, got %v", time.Second/30, d)
	}

	d, fps = parseInterval("0.200", "")
	if fps != 5 || d != 200*time.Millisecond {
		t.Errorf("Expected 5 fps / 200ms, got %d / %v", fps, d)
	}

	if d, _ := parseInterval("abc", ""); d != 0 {
		t.Errorf("Expected 0 for invalid input, got %v", d)
	}
}

func TestLinuxDiscovery_IsDeviceAvailable(t *testing.T) {
	ctx := context.Background()
	discovery := NewLinuxDiscovery("")

	// 存在しないデバイスをテスト
	if discovery.IsDeviceAvailable(ctx, "/dev/video999") {
		t.Error("Expected non-existent device to be unavailable")
	}

	// 無効なパスをテスト
	if discovery.IsDeviceAvailable(ctx, "/invalid/path") {
		t.Error("Expected invalid path to be unavailable")
	}
}

func TestLinuxDiscovery_Capabilities(t *testing.T) {
	ctx := context.Background()
	discovery := NewLinuxDiscovery("")
	discovery.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if args[len(args)-1] == "--info" {
			return []byte("Driver Info:\n\tCard type        : HD Webcam: HD Webcam\n"), nil
		}
		return []byte(sampleFormatsExt), nil
	}

	caps, err := discovery.Capabilities(ctx, "/dev/video0")
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	if caps.ID != "/dev/video0" {
		t.Errorf("Expected id /dev/video0, got %s", caps.ID)
	}
	if caps.Name != "HD Webcam: HD Webcam" {
		t.Errorf("Expected card type as name, got %q", caps.Name)
	}
	if caps.Facing != FacingExternal {
		t.Errorf("Expected external facing, got %s", caps.Facing)
	}
}

func TestLinuxDiscovery_CapabilitiesRejectsMetadataNode(t *testing.T) {
	ctx := context.Background()
	discovery := NewLinuxDiscovery("")
	discovery.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if args[len(args)-1] == "--info" {
			return nil, errors.New("no info")
		}
		return []byte("[0]: 'GREY' (8-bit Greyscale)\n\tSize: Discrete 640x400\n\t\tInterval: Discrete 0.033s (30.000 fps)\n"), nil
	}

	_, err := discovery.Capabilities(ctx, "/dev/video1")
	if !errors.Is(err, ErrNoCapabilities) {
		t.Errorf("Expected ErrNoCapabilities, got %v", err)
	}

	if name := discovery.deviceName(ctx, "/dev/video1"); name != "カメラ 1" {
		t.Errorf("Expected fallback name, got %q", name)
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	tests := map[string]int{
		"/dev/video0":  0,
		"/dev/video12": 12,
		"/dev/null":    0,
	}
	for device, want := range tests {
		if got := extractDeviceNumber(device); got != want {
			t.Errorf("%s: expected %d, got %d", device, want, got)
		}
	}
}

func TestStaticDiscovery(t *testing.T) {
	ctx := context.Background()
	discovery := NewStaticDiscovery(testCaps("/dev/video0", "A", FacingExternal))

	caps, err := discovery.Enumerate(ctx)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(caps) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(caps))
	}

	caps[0].Sizes[0] = Size{}
	again, _ := discovery.Enumerate(ctx)
	if again[0].Sizes[0] != (Size{1280, 720}) {
		t.Error("Expected Enumerate to return copies")
	}

	discovery.RemoveDevice("/dev/video0")
	if caps, _ := discovery.Enumerate(ctx); len(caps) != 0 {
		t.Errorf("Expected no devices, got %d", len(caps))
	}
}
