package rembg

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// TrimToSubject 裁剪到主体（alpha > threshold*255）的外接矩形，再向外扩 padding 像素
func TrimToSubject(img *image.NRGBA, threshold float64, padding int) (*image.NRGBA, error) {
	bbox, err := alphaBBox(img, threshold)
	if err != nil {
		return nil, err
	}
	rect := bbox.Inset(-max(padding, 0)).Intersect(img.Rect)

	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}

// alphaBBox 从 alpha 通道计算主体 bounding box，坐标与 img.Rect 一致
func alphaBBox(img *image.NRGBA, threshold float64) (image.Rectangle, error) {
	b := img.Bounds()
	th := uint8(min(max(threshold, 0), 1) * 255)

	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X, b.Min.Y
	found := false

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Pix[row+(x-b.Min.X)*4+3] <= th {
				continue
			}
			found = true
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}

	if !found {
		return image.Rectangle{}, ErrNoSubject
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}

// Flatten 把透明图合成到纯色背景上，返回不透明的新图片
func Flatten(img image.Image, bg color.Color) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
