//go:build !cuda

package opencv

import "errors"

// AcceleratorAvailable 未使用 cuda tag 构建时没有加速后端
func AcceleratorAvailable() (bool, error) {
	return false, errors.New("built without cuda support")
}
