package rembg

import "fmt"

type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Shape: shape, Data: make([]float32, n)}
}

// Plane 返回最后两维 (h, w) 以及第一个通道的数据
func (t Tensor) Plane() (h, w int, data []float32, err error) {
	if len(t.Shape) < 2 {
		return 0, 0, nil, fmt.Errorf("tensor rank %d, want >= 2", len(t.Shape))
	}
	h, w = t.Shape[len(t.Shape)-2], t.Shape[len(t.Shape)-1]
	if h <= 0 || w <= 0 {
		return 0, 0, nil, fmt.Errorf("invalid tensor shape %v", t.Shape)
	}
	if len(t.Data) < h*w {
		return 0, 0, nil, fmt.Errorf("tensor data length %d smaller than %dx%d", len(t.Data), h, w)
	}
	return h, w, t.Data[:h*w], nil
}
