// Package loader 负责模型的选择、加载、切换以及失败回退，并持有进程唯一的模型状态。
//
// 模型句柄和预处理器总是成对替换：加载在锁外进行，完成后在写锁内一次性交换，
// 写锁会等待正在进行的分割请求结束，因此任何请求都不会看到来自不同代的一对句柄。
package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/progress"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
)

// Runtime 推理运行时：加载权重、解析预处理配置
type Runtime interface {
	LoadModel(ctx context.Context, cfg model.ModelConfig, accelerated bool, onProgress func(float64)) (rembg.Model, error)
	LoadProcessorConfig(ctx context.Context, cfg model.ModelConfig, onProgress func(float64)) (model.ProcessorConfig, error)
}

// Capabilities 设备能力，device.Detector 实现了它
type Capabilities interface {
	ConstrainedMobile() bool
	AcceleratedAvailable() bool
}

type Status string

const (
	StatusIdle             Status = "idle"
	StatusDetecting        Status = "detecting"
	StatusLoadingModel     Status = "loading-model"
	StatusLoadingProcessor Status = "loading-processor"
	StatusReady            Status = "ready"
	StatusFailed           Status = "failed"
)

// maxAttempts 请求加速模型失败后，最多再用默认模型重试一次
const maxAttempts = 2

// Info 当前状态的只读快照
type Info struct {
	CurrentModelID       string `json:"currentModelId"`
	AcceleratedAvailable bool   `json:"acceleratedBackendAvailable"`
	ConstrainedMobile    bool   `json:"isConstrainedMobile"`
}

// state 一代模型状态，只会被整体替换
type state struct {
	model      rembg.Model
	processor  *rembg.Processor
	modelID    string
	generation uint64
}

type Loader struct {
	registry *model.Registry
	caps     Capabilities
	runtime  Runtime
	progress *progress.Channel

	// opMu 串行化 Initialize / SwitchModel
	opMu sync.Mutex

	// mu 保护 cur；分割请求持读锁直到推理结束
	mu  sync.RWMutex
	cur *state

	info   atomic.Pointer[Info]
	status atomic.Value
}

func New(registry *model.Registry, caps Capabilities, runtime Runtime, ch *progress.Channel) *Loader {
	if ch == nil {
		ch = progress.NewChannel()
	}
	l := &Loader{
		registry: registry,
		caps:     caps,
		runtime:  runtime,
		progress: ch,
	}
	l.status.Store(StatusIdle)
	// 能力在进程启动时探测一次
	l.info.Store(&Info{
		CurrentModelID:       registry.Default().ID,
		AcceleratedAvailable: caps.AcceleratedAvailable(),
		ConstrainedMobile:    caps.ConstrainedMobile(),
	})
	return l
}

func (l *Loader) Progress() *progress.Channel {
	return l.progress
}

func (l *Loader) Registry() *model.Registry {
	return l.registry
}

func (l *Loader) Status() Status {
	return l.status.Load().(Status)
}

// Info 不加锁，不阻塞
func (l *Loader) Info() Info {
	return *l.info.Load()
}

// Ready 当前是否已有一对可用的句柄
func (l *Loader) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur != nil
}

// Acquire 在读锁内用当前句柄执行 fn；切换会等待 fn 返回
func (l *Loader) Acquire(fn func(m rembg.Model, p *rembg.Processor, modelID string) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.cur == nil {
		return rembg.ErrNotInitialized
	}
	return fn(l.cur.model, l.cur.processor, l.cur.modelID)
}

type opConfig struct {
	listener progress.Listener
}

type OpOption func(*opConfig)

// WithListener 只接收本次加载的进度事件，监听在拿到操作锁之后才生效，
// 不会收到排在前面的其他加载的事件
func WithListener(fn progress.Listener) OpOption {
	return func(c *opConfig) {
		c.listener = fn
	}
}

// Initialize 加载 requestedID 对应的模型；为空时加载默认模型
func (l *Loader) Initialize(ctx context.Context, requestedID string, opts ...OpOption) error {
	var oc opConfig
	for _, opt := range opts {
		opt(&oc)
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()

	rep := l.progress.Begin(oc.listener)
	plan := l.resolve(requestedID, rep)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := l.load(ctx, plan, rep)
		if err == nil {
			l.status.Store(StatusReady)
			return nil
		}
		lastErr = err
		l.status.Store(StatusFailed)

		util.Logger.Error("model load failed",
			zap.String("model", plan.cfg.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !plan.cfg.RequiresAccelerated() {
			break
		}
		// 只对加速模型回退一次
		plan = loadPlan{cfg: l.registry.Default()}
		rep.Report(0, "Falling back to "+plan.cfg.Name+"...")
	}

	return &ModelLoadError{ModelID: plan.cfg.ID, Err: lastErr}
}

// SwitchModel 切换期间旧状态仍然可读
func (l *Loader) SwitchModel(ctx context.Context, id string, opts ...OpOption) error {
	if id == "" {
		return fmt.Errorf("model id is required")
	}
	return l.Initialize(ctx, id, opts...)
}

type loadPlan struct {
	cfg         model.ModelConfig
	accelerated bool
	mobile      bool
}

func (l *Loader) resolve(requestedID string, rep *progress.Reporter) loadPlan {
	l.status.Store(StatusDetecting)
	def := l.registry.Default()

	if l.caps.ConstrainedMobile() {
		if requestedID != "" && requestedID != def.ID {
			util.Logger.Info("constrained device, ignoring requested model",
				zap.String("requested", requestedID),
				zap.String("model", def.ID))
		}
		return loadPlan{cfg: def, mobile: true}
	}

	if requestedID == "" {
		return loadPlan{cfg: def}
	}

	target, ok := l.registry.Find(requestedID)
	if !ok {
		util.Logger.Warn("unknown model requested, using default",
			zap.String("requested", requestedID),
			zap.String("model", def.ID))
		return loadPlan{cfg: def}
	}

	if !target.RequiresAccelerated() {
		return loadPlan{cfg: target}
	}
	if !l.caps.AcceleratedAvailable() {
		rep.Report(0, "Accelerated backend unavailable, using "+def.Name)
		return loadPlan{cfg: def}
	}
	return loadPlan{cfg: target, accelerated: true}
}

func (l *Loader) load(ctx context.Context, plan loadPlan, rep *progress.Reporter) error {
	cfg := plan.cfg

	l.status.Store(StatusLoadingModel)
	rep.Report(0, "Loading "+cfg.Name+"...")
	m, err := l.runtime.LoadModel(ctx, cfg, plan.accelerated, rep.Band(0, 0.5, "Loading "+cfg.Name+"..."))
	if err != nil {
		return fmt.Errorf("load model %s: %w", cfg.ID, err)
	}
	if m == nil {
		return fmt.Errorf("load model %s: runtime returned no model", cfg.ID)
	}

	l.status.Store(StatusLoadingProcessor)
	rep.Report(0.5, "Loading processor...")
	pcfg, err := l.runtime.LoadProcessorConfig(ctx, cfg, rep.Band(0.5, 0.95, "Loading processor..."))
	if err == nil && plan.mobile {
		pcfg = pcfg.MobileSafe()
	}
	var proc *rembg.Processor
	if err == nil {
		proc, err = rembg.NewProcessor(pcfg)
	}
	if err != nil {
		closeModel(m, cfg.ID)
		return fmt.Errorf("load processor %s: %w", cfg.ID, err)
	}

	next := &state{model: m, processor: proc, modelID: cfg.ID}
	old := l.swap(next)
	if old != nil && old.model != m {
		closeModel(old.model, old.modelID)
	}

	rep.Report(1, "Model loaded")
	util.Logger.Info("model loaded",
		zap.String("model", cfg.ID),
		zap.Uint64("generation", next.generation),
		zap.Bool("accelerated", plan.accelerated),
		zap.Bool("mobile", plan.mobile))
	return nil
}

// swap 原子替换整代状态，返回被替换的旧状态
func (l *Loader) swap(next *state) *state {
	l.mu.Lock()
	old := l.cur
	if old != nil {
		next.generation = old.generation + 1
	}
	l.cur = next
	info := *l.info.Load()
	info.CurrentModelID = next.modelID
	l.info.Store(&info)
	l.mu.Unlock()
	return old
}

// Close 释放当前句柄，进程退出时调用
func (l *Loader) Close() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	old := l.cur
	l.cur = nil
	l.mu.Unlock()

	l.status.Store(StatusIdle)
	if old == nil {
		return nil
	}
	return old.model.Close()
}

func closeModel(m rembg.Model, id string) {
	if err := m.Close(); err != nil {
		util.Logger.Warn("failed to release model", zap.String("model", id), zap.Error(err))
	}
}
