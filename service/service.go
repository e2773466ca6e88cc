// Package service 对外的去背景接口：模型初始化与切换、单张和批量处理、进度监听。
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/chaos-io/bgremover/cache"
	"github.com/chaos-io/bgremover/encode"
	"github.com/chaos-io/bgremover/loader"
	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/progress"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
)

type File struct {
	Name string
	Data []byte
}

type Options struct {
	Format  encode.Format
	Quality int
	// Trim 裁剪到主体外接矩形
	Trim          bool
	TrimThreshold float64
	TrimPadding   int
}

type Stage string

const (
	StageModel     Stage = "model"
	StageDecode    Stage = "decode"
	StageSegment   Stage = "segment"
	StageComposite Stage = "composite"
	StageTrim      Stage = "trim"
	StageEncode    Stage = "encode"
)

// ProcessingError 记录失败的文件和阶段，Unwrap 得到具体原因
type ProcessingError struct {
	File  string
	Stage Stage
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process %q at %s: %v", e.File, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	CacheHits uint64 `json:"cacheHits"`
}

type Remover struct {
	loader   *loader.Loader
	cache    cache.ResultCache
	defaults Options

	processed atomic.Uint64
	failed    atomic.Uint64
	hits      atomic.Uint64
}

type Option func(*Remover)

func WithCache(c cache.ResultCache) Option {
	return func(r *Remover) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithDefaults 请求未指定格式或质量时使用
func WithDefaults(o Options) Option {
	return func(r *Remover) {
		r.defaults = o
	}
}

func New(l *loader.Loader, opts ...Option) *Remover {
	r := &Remover{
		loader: l,
		cache:  cache.Noop{},
		defaults: Options{
			Format:        encode.FormatPNG,
			Quality:       encode.DefaultJPEGQuality,
			TrimThreshold: 0.05,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remover) InitializeModel(ctx context.Context, modelID string, opts ...loader.OpOption) error {
	return r.loader.Initialize(ctx, modelID, opts...)
}

func (r *Remover) SwitchModel(ctx context.Context, modelID string, opts ...loader.OpOption) error {
	return r.loader.SwitchModel(ctx, modelID, opts...)
}

func (r *Remover) GetModelInfo() loader.Info {
	return r.loader.Info()
}

func (r *Remover) Status() loader.Status {
	return r.loader.Status()
}

func (r *Remover) ListModels() []model.ModelConfig {
	return r.loader.Registry().List()
}

// SetProgressListener 进程级监听者，会收到所有加载操作的事件；
// 只关心单次加载时用 loader.WithListener
func (r *Remover) SetProgressListener(fn progress.Listener) {
	r.loader.Progress().SetListener(fn)
}

func (r *Remover) ClearProgressListener() {
	r.loader.Progress().ClearListener()
}

func (r *Remover) Stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
		CacheHits: r.hits.Load(),
	}
}

// ProcessImage 解码、分割、合成、（可选）裁剪、编码。每个请求持有自己的图片缓冲区，可以并发调用。
func (r *Remover) ProcessImage(ctx context.Context, f File, opts Options) (*encode.Artifact, error) {
	a, err := r.processImage(ctx, f, r.withDefaults(opts))
	if err != nil {
		return nil, err
	}
	r.processed.Add(1)
	return a, nil
}

// ProcessImages 逐个处理，单个失败只记录日志和计数，不影响其余文件
func (r *Remover) ProcessImages(ctx context.Context, files []File, opts Options) []*encode.Artifact {
	opts = r.withDefaults(opts)
	out := make([]*encode.Artifact, 0, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			util.Logger.Warn("batch cancelled",
				zap.Int("done", i),
				zap.Int("total", len(files)),
				zap.Error(err))
			break
		}

		a, err := r.processImage(ctx, f, opts)
		if err != nil {
			r.failed.Add(1)
			util.Logger.Warn("skip image in batch",
				zap.String("file", f.Name),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		r.processed.Add(1)
		out = append(out, a)
	}
	return out
}

func (r *Remover) withDefaults(o Options) Options {
	if o.Format == "" {
		o.Format = r.defaults.Format
	}
	if o.Quality <= 0 {
		o.Quality = r.defaults.Quality
	}
	if o.TrimThreshold <= 0 {
		o.TrimThreshold = r.defaults.TrimThreshold
	}
	if o.TrimPadding <= 0 {
		o.TrimPadding = r.defaults.TrimPadding
	}
	return o
}

func (r *Remover) processImage(ctx context.Context, f File, opts Options) (*encode.Artifact, error) {
	fail := func(stage Stage, err error) error {
		return &ProcessingError{File: f.Name, Stage: stage, Err: err}
	}

	if !r.loader.Ready() {
		return nil, fail(StageModel, rembg.ErrNotInitialized)
	}

	src, format, err := util.DecodeImage(f.Data)
	if err != nil {
		return nil, fail(StageDecode, err)
	}
	defer util.Trace("process " + f.Name)()

	key := cache.Key{MD5: util.BytesMD5(f.Data), Format: opts.Format, Trim: opts.Trim}
	if opts.Format == encode.FormatJPEG {
		key.Quality = opts.Quality
	}
	if opts.Trim {
		key.TrimThreshold, key.TrimPadding = opts.TrimThreshold, opts.TrimPadding
	}

	var (
		mask   *image.Gray
		cached *encode.Artifact
	)
	err = r.loader.Acquire(func(m rembg.Model, p *rembg.Processor, modelID string) error {
		key.ModelID = modelID
		cached = r.lookup(ctx, key)
		if cached != nil {
			return nil
		}
		var err error
		mask, err = rembg.Segment(ctx, m, p, src)
		return err
	})
	switch {
	case errors.Is(err, rembg.ErrNotInitialized):
		return nil, fail(StageModel, err)
	case err != nil:
		return nil, fail(StageSegment, err)
	case cached != nil:
		r.hits.Add(1)
		hit := *cached
		hit.Filename = encode.OutputName(f.Name, opts.Format)
		return &hit, nil
	}

	out, err := rembg.Composite(src, mask)
	if err != nil {
		return nil, fail(StageComposite, err)
	}

	if opts.Trim {
		trimmed, err := rembg.TrimToSubject(out, opts.TrimThreshold, opts.TrimPadding)
		switch {
		case errors.Is(err, rembg.ErrNoSubject):
			util.Logger.Info("no subject found, keeping full frame", zap.String("file", f.Name))
		case err != nil:
			return nil, fail(StageTrim, err)
		default:
			out = trimmed
		}
	}

	a, err := encode.Encode(out, f.Name, opts.Format, encode.Options{Quality: opts.Quality})
	if err != nil {
		return nil, fail(StageEncode, err)
	}

	if err := r.cache.Set(ctx, key, a); err != nil {
		util.Logger.Warn("failed to set cache", zap.String("key", key.String()), zap.Error(err))
	}

	util.Logger.Debug("image processed",
		zap.String("file", f.Name),
		zap.String("input_format", format),
		zap.String("model", key.ModelID),
		zap.Int("bytes", len(a.Data)))
	return a, nil
}

func (r *Remover) lookup(ctx context.Context, key cache.Key) *encode.Artifact {
	a, err := r.cache.Get(ctx, key)
	if err != nil {
		util.Logger.Warn("failed to get cache", zap.String("key", key.String()), zap.Error(err))
		return nil
	}
	return a
}
