package rembg

import (
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/chaos-io/bgremover/model"
	"github.com/nfnt/resize"
)

// Processor 把原始图片转换成模型需要的输入张量，同样的配置总是得到同样的结果
type Processor struct {
	cfg    model.ProcessorConfig
	interp resize.InterpolationFunction
}

func NewProcessor(cfg model.ProcessorConfig) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("processor config: %w", err)
	}
	return &Processor{
		cfg:    cfg,
		interp: interpolation(cfg.Resample),
	}, nil
}

func (p *Processor) Config() model.ProcessorConfig {
	return p.cfg
}

// Preprocess 返回 1x3xHxW 的张量，以及张量中有效内容所在的区域。
//
// 不填充时图片直接拉伸到目标尺寸，有效区域即整个张量；
// 填充时保持宽高比缩放，右侧和下方补 0。
//
// 注意这与 transformers.js 的 RMBG 预处理不同：它在 size 给定固定宽高时先拉伸到
// 1024x1024 再填充，填充实际不起作用。因此 Pad=true 的输入张量与浏览器端不逐像素一致，
// 主体不会被拉伸变形，mask 按 content 区域裁回原图比例。
func (p *Processor) Preprocess(img image.Image) (Tensor, image.Rectangle) {
	w, h := p.cfg.Width, p.cfg.Height
	content := image.Rect(0, 0, w, h)
	if p.cfg.Pad {
		content = fitWithin(img.Bounds().Size(), w, h)
	}

	scaled := toNRGBA(resize.Resize(uint(content.Dx()), uint(content.Dy()), img, p.interp))

	t := NewTensor(1, 3, h, w)
	plane := h * w
	scale := p.cfg.RescaleFactor
	for y := 0; y < content.Dy(); y++ {
		row := scaled.Pix[y*scaled.Stride:]
		for x := 0; x < content.Dx(); x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) * scale
				if p.cfg.Normalize {
					v = (v - p.cfg.Mean[c]) / p.cfg.Std[c]
				}
				t.Data[c*plane+y*w+x] = v
			}
		}
	}
	return t, content
}

// fitWithin 保持宽高比缩放到 w*h 以内，至少 1 像素
func fitWithin(src image.Point, w, h int) image.Rectangle {
	ratio := math.Min(float64(w)/float64(src.X), float64(h)/float64(src.Y))
	nw := min(w, max(1, int(math.Round(float64(src.X)*ratio))))
	nh := min(h, max(1, int(math.Round(float64(src.Y)*ratio))))
	return image.Rect(0, 0, nw, nh)
}

func interpolation(r model.Resample) resize.InterpolationFunction {
	switch r {
	case model.ResampleNearest:
		return resize.NearestNeighbor
	case model.ResampleBicubic:
		return resize.Bicubic
	case model.ResampleLanczos:
		return resize.Lanczos3
	default:
		return resize.Bilinear
	}
}

func toNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
