package camera

// ChooseOptimalFrameRateRange は広告されたFPS範囲から最適なものを選ぶ
//
// 上限が fpsMax を超える範囲は除外し、残りから |Upper - fpsTarget| が最小のものを選ぶ。
// 同点の場合は Lower が小さい方を優先する。
// 候補が残らない場合は ranges[0]、ranges が空なら [fpsTarget, fpsTarget] を返す。
// 呼び出し側は常に使用可能な値を受け取る。
func ChooseOptimalFrameRateRange(ranges []FPSRange, fpsMax, fpsTarget int) FPSRange {
	if len(ranges) == 0 {
		return FPSRange{Lower: fpsTarget, Upper: fpsTarget}
	}

	var best *FPSRange
	for i := range ranges {
		r := ranges[i]
		if r.Upper > fpsMax {
			continue
		}
		if best != nil {
			d := absInt(r.Upper-fpsTarget) - absInt(best.Upper-fpsTarget)
			if d > 0 {
				continue
			}
			if d == 0 && r.Lower > best.Lower {
				continue
			}
		}
		best = &ranges[i]
	}

	if best == nil {
		return ranges[0]
	}
	return *best
}

// ChooseOptimalSize は出力解像度の候補から最適なものを選ぶ
//
// maxWidth/maxHeight 以下で、target と縦横比が整数演算で完全一致する候補だけを対象とする。
// ビューより大きい候補があればその中で面積最小のもの、なければ小さい候補の中で面積最大のものを返す。
// どれも残らない場合は choices[0]（縦横比が一致しなくても返す）、choices が空なら target を返す。
func ChooseOptimalSize(choices []Size, viewWidth, viewHeight, maxWidth, maxHeight int, target Size) Size {
	if len(choices) == 0 {
		return target
	}

	var bigEnough, notBigEnough []Size

	w := target.Width
	h := target.Height
	for _, option := range choices {
		if option.Width > maxWidth || option.Height > maxHeight {
			continue
		}
		// 縦横比の判定は近似ではなく厳密一致
		if w == 0 || option.Height != option.Width*h/w {
			continue
		}
		if option.Width >= viewWidth && option.Height >= viewHeight {
			bigEnough = append(bigEnough, option)
		} else {
			notBigEnough = append(notBigEnough, option)
		}
	}

	switch {
	case len(bigEnough) > 0:
		return minByArea(bigEnough)
	case len(notBigEnough) > 0:
		return maxByArea(notBigEnough)
	default:
		return choices[0]
	}
}

// minByArea は面積最小のサイズを返す（同面積なら先頭優先）
func minByArea(sizes []Size) Size {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Area() < best.Area() {
			best = s
		}
	}
	return best
}

// maxByArea は面積最大のサイズを返す（同面積なら先頭優先）
func maxByArea(sizes []Size) Size {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Area() > best.Area() {
			best = s
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
