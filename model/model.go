package model

import (
	"errors"
	"fmt"
)

type Backend string

const (
	BackendStandard    Backend = "standard"
	BackendAccelerated Backend = "accelerated"
)

// Resample 与 PIL 的取值保持一致：0 nearest, 2 bilinear, 3 bicubic, 1 lanczos
type Resample int

const (
	ResampleNearest  Resample = 0
	ResampleLanczos  Resample = 1
	ResampleBilinear Resample = 2
	ResampleBicubic  Resample = 3
)

func (r Resample) String() string {
	switch r {
	case ResampleNearest:
		return "nearest"
	case ResampleLanczos:
		return "lanczos"
	case ResampleBilinear:
		return "bilinear"
	case ResampleBicubic:
		return "bicubic"
	default:
		return fmt.Sprintf("resample(%d)", int(r))
	}
}

// ProcessorConfig 预处理参数
type ProcessorConfig struct {
	Normalize     bool
	Mean          [3]float32
	Std           [3]float32
	RescaleFactor float32
	Width         int
	Height        int
	Resample      Resample
	Pad           bool
	// MaskResample 推理输出缩放回原图尺寸时使用的滤波
	MaskResample Resample
}

// MobileSafe 受限移动设备使用的变体：不填充，单位标准差
func (p ProcessorConfig) MobileSafe() ProcessorConfig {
	p.Pad = false
	p.Std = [3]float32{1, 1, 1}
	return p
}

func (p ProcessorConfig) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid target size %dx%d", p.Width, p.Height)
	}
	if p.RescaleFactor <= 0 {
		return fmt.Errorf("invalid rescale factor %v", p.RescaleFactor)
	}
	if p.Normalize {
		for i, s := range p.Std {
			if s == 0 {
				return fmt.Errorf("image_std[%d] is zero", i)
			}
		}
	}
	return nil
}

type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
)

// ModelConfig 一个可选分割模型的静态描述
type ModelConfig struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Backend     Backend         `json:"backend"`
	Description string          `json:"description"`
	Processing  ProcessorConfig `json:"-"`
	Precision   Precision       `json:"precision"`
	Default     bool            `json:"isDefault"`

	WeightsURL         string `json:"-"`
	ProcessorConfigURL string `json:"-"`
}

func (c ModelConfig) RequiresAccelerated() bool {
	return c.Backend == BackendAccelerated
}

var ErrEmptyRegistry = errors.New("model registry is empty")

// Registry 模型目录，创建后不可变，保持插入顺序
type Registry struct {
	models []ModelConfig
}

func NewRegistry(models ...ModelConfig) (*Registry, error) {
	if len(models) == 0 {
		return nil, ErrEmptyRegistry
	}
	seen := make(map[string]struct{}, len(models))
	for _, m := range models {
		if m.ID == "" {
			return nil, errors.New("model id is required")
		}
		if _, ok := seen[m.ID]; ok {
			return nil, fmt.Errorf("duplicate model id: %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return &Registry{models: append([]ModelConfig(nil), models...)}, nil
}

func MustRegistry(models ...ModelConfig) *Registry {
	r, err := NewRegistry(models...)
	if err != nil {
		panic(err)
	}
	return r
}

// List 返回副本，调用方修改不会影响目录
func (r *Registry) List() []ModelConfig {
	out := make([]ModelConfig, len(r.models))
	copy(out, r.models)
	return out
}

// Default 返回标记为默认的模型，没有则返回第一个
func (r *Registry) Default() ModelConfig {
	for _, m := range r.models {
		if m.Default {
			return m
		}
	}
	return r.models[0]
}

func (r *Registry) Find(id string) (ModelConfig, bool) {
	for _, m := range r.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
