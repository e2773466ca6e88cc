package rembg

import (
	"context"
	"image"
	"math"

	"github.com/chaos-io/bgremover/model"
	"golang.org/x/image/draw"
)

// Segment 运行模型并返回与 src 同尺寸的不透明度 mask（0-255）
func Segment(ctx context.Context, m Model, p *Processor, src image.Image) (*image.Gray, error) {
	if m == nil || p == nil {
		return nil, ErrNotInitialized
	}

	input, content := p.Preprocess(src)
	output, err := m.Run(ctx, input)
	if err != nil {
		return nil, &InferenceError{Cause: err}
	}

	raw, err := maskFromTensor(output)
	if err != nil {
		return nil, &InferenceError{Cause: err}
	}

	// 输出分辨率可能与输入不同，按比例换算有效区域
	region := scaleRect(content, input.Shape[3], input.Shape[2], raw.Rect.Dx(), raw.Rect.Dy())
	cropped := raw.SubImage(region).(*image.Gray)

	size := src.Bounds().Size()
	return resample(cropped, size.X, size.Y, p.Config().MaskResample), nil
}

// maskFromTensor 取第一个通道，[0,1] 映射到 [0,255]
func maskFromTensor(t Tensor) (*image.Gray, error) {
	h, w, data, err := t.Plane()
	if err != nil {
		return nil, err
	}
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range data {
		mask.Pix[i] = toByte(v)
	}
	return mask, nil
}

func toByte(v float32) uint8 {
	switch {
	case math.IsNaN(float64(v)), v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

func scaleRect(r image.Rectangle, fromW, fromH, toW, toH int) image.Rectangle {
	if fromW == toW && fromH == toH {
		return r
	}
	sx := float64(toW) / float64(fromW)
	sy := float64(toH) / float64(fromH)
	out := image.Rect(
		int(math.Floor(float64(r.Min.X)*sx)),
		int(math.Floor(float64(r.Min.Y)*sy)),
		int(math.Ceil(float64(r.Max.X)*sx)),
		int(math.Ceil(float64(r.Max.Y)*sy)),
	).Intersect(image.Rect(0, 0, toW, toH))
	if out.Empty() {
		return image.Rect(0, 0, toW, toH)
	}
	return out
}

func resample(src *image.Gray, w, h int, filter model.Resample) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if src.Rect.Dx() == w && src.Rect.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, src.Rect.Min, draw.Src)
		return dst
	}
	scaler(filter).Scale(dst, dst.Bounds(), src, src.Rect, draw.Src, nil)
	return dst
}

func scaler(r model.Resample) draw.Scaler {
	switch r {
	case model.ResampleNearest:
		return draw.NearestNeighbor
	case model.ResampleBicubic, model.ResampleLanczos:
		return draw.CatmullRom
	default:
		return draw.BiLinear
	}
}
