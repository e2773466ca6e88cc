package rembg

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/chaos-io/bgremover/model"
)

// preprocessorConfig 对应模型仓库中的 preprocessor_config.json，只取用到的字段
type preprocessorConfig struct {
	DoNormalize   *bool      `json:"do_normalize"`
	DoRescale     *bool      `json:"do_rescale"`
	DoPad         *bool      `json:"do_pad"`
	ImageMean     []float32  `json:"image_mean"`
	ImageStd      []float32  `json:"image_std"`
	RescaleFactor *float32   `json:"rescale_factor"`
	Resample      *int       `json:"resample"`
	Size          *imageSize `json:"size"`
}

type imageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// MergeProcessorConfig 用 JSON 中出现的字段覆盖 base，未出现的字段保持不变
func MergeProcessorConfig(r io.Reader, base model.ProcessorConfig) (model.ProcessorConfig, error) {
	var pc preprocessorConfig
	if err := json.NewDecoder(r).Decode(&pc); err != nil {
		return base, fmt.Errorf("decode preprocessor config: %w", err)
	}

	out := base
	if pc.DoNormalize != nil {
		out.Normalize = *pc.DoNormalize
	}
	if pc.DoPad != nil {
		out.Pad = *pc.DoPad
	}
	if pc.RescaleFactor != nil {
		out.RescaleFactor = *pc.RescaleFactor
	}
	if pc.DoRescale != nil && !*pc.DoRescale {
		out.RescaleFactor = 1
	}
	if pc.Resample != nil {
		out.Resample = model.Resample(*pc.Resample)
	}
	if pc.Size != nil && pc.Size.Width > 0 && pc.Size.Height > 0 {
		out.Width, out.Height = pc.Size.Width, pc.Size.Height
	}
	if err := copyTriple(&out.Mean, pc.ImageMean, "image_mean"); err != nil {
		return base, err
	}
	if err := copyTriple(&out.Std, pc.ImageStd, "image_std"); err != nil {
		return base, err
	}

	if err := out.Validate(); err != nil {
		return base, fmt.Errorf("preprocessor config: %w", err)
	}
	return out, nil
}

func copyTriple(dst *[3]float32, src []float32, field string) error {
	switch len(src) {
	case 0:
		return nil
	case 1:
		*dst = [3]float32{src[0], src[0], src[0]}
		return nil
	case 3:
		copy(dst[:], src)
		return nil
	default:
		return fmt.Errorf("%s: want 1 or 3 values, got %d", field, len(src))
	}
}
