package rembg

import (
	"image"

	"golang.org/x/image/draw"
)

// Composite 用 mask 覆盖 alpha 通道，RGB 原样保留。
// 总是分配新的缓冲区，src 不会被修改。
func Composite(src image.Image, mask *image.Gray) (*image.NRGBA, error) {
	sb := src.Bounds()
	if mask == nil || mask.Rect.Size() != sb.Size() {
		var ms image.Point
		if mask != nil {
			ms = mask.Rect.Size()
		}
		return nil, &DimensionMismatchError{Source: sb.Size(), Mask: ms}
	}

	w, h := sb.Dx(), sb.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	if n, ok := src.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+w*4], n.Pix[n.PixOffset(sb.Min.X, sb.Min.Y+y):])
		}
	} else {
		draw.Draw(out, out.Bounds(), src, sb.Min, draw.Src)
	}

	for y := 0; y < h; y++ {
		row := out.Pix[y*out.Stride:]
		mrow := mask.Pix[mask.PixOffset(mask.Rect.Min.X, mask.Rect.Min.Y+y):]
		for x := 0; x < w; x++ {
			row[x*4+3] = mrow[x]
		}
	}
	return out, nil
}
