//go:build cuda

package opencv

import (
	"errors"

	"gocv.io/x/gocv/cuda"
)

func AcceleratorAvailable() (bool, error) {
	if cuda.GetCudaEnabledDeviceCount() < 1 {
		return false, errors.New("no cuda device")
	}
	return true, nil
}
