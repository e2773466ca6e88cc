package rembg

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrNotInitialized = errors.New("model not initialized")
	ErrNoSubject      = errors.New("no foreground detected")
)

// InferenceError 模型执行失败，不会自动重试
type InferenceError struct {
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Cause)
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}

// DimensionMismatchError mask 与原图尺寸不一致，说明缩放步骤有缺陷
type DimensionMismatchError struct {
	Source image.Point
	Mask   image.Point
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("mask size %dx%d does not match source %dx%d",
		e.Mask.X, e.Mask.Y, e.Source.X, e.Source.Y)
}
