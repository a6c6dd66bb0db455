package stream

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"kamera/internal/camera"
)

// Encode はフレームを時計回りに rotation 度回転したJPEGに変換する
// 回転不要のJPEGフレームは再エンコードせずコピーを返す
func Encode(f *camera.Frame, rotation, quality int) ([]byte, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, fmt.Errorf("空のフレームです")
	}

	if f.Format == camera.FormatJPEG && rotation == 0 {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		return data, nil
	}

	img, err := decode(f)
	if err != nil {
		return nil, err
	}

	switch rotation {
	case 0:
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	default:
		return nil, fmt.Errorf("無効な回転角: %d", rotation)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(f *camera.Frame) (image.Image, error) {
	switch f.Format {
	case camera.FormatJPEG:
		img, err := imaging.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
		}
		return img, nil
	case camera.FormatYUV420:
		return yuv420Image(f)
	default:
		return nil, fmt.Errorf("サポートされていない画素フォーマット: %s", f.Format)
	}
}

// yuv420Image は平面YUV 4:2:0 (I420) のバッファを画像として参照する
func yuv420Image(f *camera.Frame) (image.Image, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("無効なフレームサイズ: %dx%d", w, h)
	}
	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	if len(f.Data) < ySize+2*cSize {
		return nil, fmt.Errorf("YUVバッファが不足しています: %d < %d", len(f.Data), ySize+2*cSize)
	}

	return &image.YCbCr{
		Y:              f.Data[:ySize],
		Cb:             f.Data[ySize : ySize+cSize],
		Cr:             f.Data[ySize+cSize : ySize+2*cSize],
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}, nil
}
