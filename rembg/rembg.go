package rembg

import "context"

// Model 已加载的分割模型，输入输出均为 NCHW 张量
type Model interface {
	Run(ctx context.Context, input Tensor) (Tensor, error)
	Close() error
}
