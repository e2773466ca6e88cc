// Package opencv 基于 OpenCV DNN 的本地推理运行时，读取 ONNX 权重，支持 CUDA 与 CPU 两种后端。
package opencv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/util"
	"github.com/chaos-io/bgremover/weights"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type Runtime struct {
	store *weights.Store
}

func NewRuntime(store *weights.Store) *Runtime {
	return &Runtime{store: store}
}

// LoadModel 下载（或命中缓存）权重并构建网络，下载进度即加载进度
func (r *Runtime) LoadModel(ctx context.Context, cfg model.ModelConfig, accelerated bool, onProgress func(float64)) (rembg.Model, error) {
	if cfg.WeightsURL == "" {
		return nil, fmt.Errorf("model %s has no weights url", cfg.ID)
	}

	path, err := r.store.Fetch(ctx, cfg.ID, cfg.WeightsURL, func(f float64) {
		// 留一点给网络构建
		onProgress(f * 0.9)
	})
	if err != nil {
		return nil, err
	}

	defer util.Trace("read onnx net " + cfg.ID)()
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		_ = net.Close()
		return nil, fmt.Errorf("read onnx net %s", path)
	}

	backend, target := targets(cfg, accelerated)
	if err := net.SetPreferableBackend(backend); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	util.Logger.Info("onnx net ready",
		zap.String("model", cfg.ID),
		zap.String("path", path),
		zap.Bool("accelerated", accelerated))
	onProgress(1)
	return &Model{net: net}, nil
}

// LoadProcessorConfig 没有远程配置时直接使用内置配置
func (r *Runtime) LoadProcessorConfig(ctx context.Context, cfg model.ModelConfig, onProgress func(float64)) (model.ProcessorConfig, error) {
	if cfg.ProcessorConfigURL == "" {
		onProgress(1)
		return cfg.Processing, nil
	}

	onProgress(0)
	rc, err := r.store.Open(ctx, cfg.ID, cfg.ProcessorConfigURL)
	if err != nil {
		return model.ProcessorConfig{}, err
	}
	defer func() {
		_ = rc.Close()
	}()

	pcfg, err := rembg.MergeProcessorConfig(rc, cfg.Processing)
	if err != nil {
		return model.ProcessorConfig{}, err
	}
	onProgress(1)
	return pcfg, nil
}

func targets(cfg model.ModelConfig, accelerated bool) (gocv.NetBackendType, gocv.NetTargetType) {
	if !accelerated {
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
	if cfg.Precision == model.PrecisionFP16 {
		return gocv.NetBackendCUDA, gocv.NetTargetCUDAFP16
	}
	return gocv.NetBackendCUDA, gocv.NetTargetCUDA
}

// Model cv::dnn::Net 不是并发安全的，Run 串行执行
type Model struct {
	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

func (m *Model) Run(ctx context.Context, input rembg.Tensor) (rembg.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return rembg.Tensor{}, err
	}
	if len(input.Shape) != 4 {
		return rembg.Tensor{}, fmt.Errorf("expected NCHW input, got shape %v", input.Shape)
	}

	blob, err := gocv.NewMatWithSizesFromBytes(input.Shape, gocv.MatTypeCV32F, tensorBytes(input.Data))
	if err != nil {
		return rembg.Tensor{}, fmt.Errorf("input blob: %w", err)
	}
	defer blob.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return rembg.Tensor{}, errors.New("model closed")
	}

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()
	if out.Empty() {
		return rembg.Tensor{}, errors.New("empty network output")
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return rembg.Tensor{}, fmt.Errorf("read output: %w", err)
	}
	return rembg.Tensor{
		Shape: out.Size(),
		Data:  append([]float32(nil), data...),
	}, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}

func tensorBytes(data []float32) []byte {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
