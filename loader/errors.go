package loader

import "fmt"

// ModelLoadError 权重或预处理配置加载失败（已经尝试过回退）
type ModelLoadError struct {
	ModelID string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.ModelID, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
