// Package rembgtest 提供不依赖推理运行时的假模型和假运行时，供测试使用。
package rembgtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/rembg"
)

// Model 输出固定分辨率的 mask，默认中心区域为前景
type Model struct {
	ID   string
	OutW int
	OutH int
	// Fill 返回 (x, y) 处的前景概率
	Fill func(x, y, w, h int) float32
	Err  error
	// Hook 在 Run 内部调用，可用来阻塞推理
	Hook func()

	runs   atomic.Int32
	closed atomic.Bool
}

func NewModel(id string) *Model {
	return &Model{ID: id, OutW: 64, OutH: 64, Fill: CenterSquare}
}

// CenterSquare 中心 1/2 区域为前景
func CenterSquare(x, y, w, h int) float32 {
	if x >= w/4 && x < w*3/4 && y >= h/4 && y < h*3/4 {
		return 1
	}
	return 0
}

func (m *Model) Run(ctx context.Context, input rembg.Tensor) (rembg.Tensor, error) {
	m.runs.Add(1)
	if m.Hook != nil {
		m.Hook()
	}
	if m.closed.Load() {
		return rembg.Tensor{}, errors.New("model closed")
	}
	if m.Err != nil {
		return rembg.Tensor{}, m.Err
	}
	if err := ctx.Err(); err != nil {
		return rembg.Tensor{}, err
	}
	out := rembg.NewTensor(1, 1, m.OutH, m.OutW)
	for y := 0; y < m.OutH; y++ {
		for x := 0; x < m.OutW; x++ {
			out.Data[y*m.OutW+x] = m.Fill(x, y, m.OutW, m.OutH)
		}
	}
	return out, nil
}

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Model) Closed() bool {
	return m.closed.Load()
}

func (m *Model) Runs() int {
	return int(m.runs.Load())
}

// Runtime 假运行时，可以按模型 ID 注入失败
type Runtime struct {
	mu sync.Mutex

	ModelErr     map[string]error
	ProcessorErr map[string]error
	// Steps 每次加载上报的子进度次数
	Steps int
	// Hook 在 LoadModel 开始时调用
	Hook func(cfg model.ModelConfig)

	loads  []Load
	models []*Model
}

type Load struct {
	ModelID     string
	Accelerated bool
}

func NewRuntime() *Runtime {
	return &Runtime{
		ModelErr:     map[string]error{},
		ProcessorErr: map[string]error{},
		Steps:        4,
	}
}

func (r *Runtime) LoadModel(ctx context.Context, cfg model.ModelConfig, accelerated bool, onProgress func(float64)) (rembg.Model, error) {
	if r.Hook != nil {
		r.Hook(cfg)
	}

	r.mu.Lock()
	r.loads = append(r.loads, Load{ModelID: cfg.ID, Accelerated: accelerated})
	err := r.ModelErr[cfg.ID]
	steps := r.Steps
	r.mu.Unlock()

	for i := 1; i <= steps; i++ {
		onProgress(float64(i) / float64(steps))
	}
	if err != nil {
		return nil, err
	}

	m := NewModel(cfg.ID)
	r.mu.Lock()
	r.models = append(r.models, m)
	r.mu.Unlock()
	return m, nil
}

func (r *Runtime) LoadProcessorConfig(ctx context.Context, cfg model.ModelConfig, onProgress func(float64)) (model.ProcessorConfig, error) {
	r.mu.Lock()
	err := r.ProcessorErr[cfg.ID]
	r.mu.Unlock()

	onProgress(0.5)
	if err != nil {
		return model.ProcessorConfig{}, err
	}
	onProgress(1)
	return cfg.Processing, nil
}

func (r *Runtime) Loads() []Load {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Load(nil), r.loads...)
}

func (r *Runtime) Models() []*Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Model(nil), r.models...)
}

// SmallConfig 测试用的小尺寸模型配置
func SmallConfig(id string, backend model.Backend, isDefault bool) model.ModelConfig {
	return model.ModelConfig{
		ID:      id,
		Name:    id,
		Backend: backend,
		Processing: model.ProcessorConfig{
			Normalize:     true,
			Mean:          [3]float32{0.5, 0.5, 0.5},
			Std:           [3]float32{0.5, 0.5, 0.5},
			RescaleFactor: 1.0 / 255,
			Width:         32,
			Height:        32,
			Resample:      model.ResampleBilinear,
			Pad:           true,
			MaskResample:  model.ResampleNearest,
		},
		Default: isDefault,
	}
}
