package model

const (
	RMBG14ID = "briaai/RMBG-1.4"
	MODNetID = "Xenova/modnet"
)

const huggingFace = "https://huggingface.co/"

var baseProcessing = ProcessorConfig{
	Normalize:     true,
	Mean:          [3]float32{0.5, 0.5, 0.5},
	Std:           [3]float32{0.5, 0.5, 0.5},
	RescaleFactor: 1.0 / 255,
	Width:         1024,
	Height:        1024,
	Resample:      ResampleBilinear,
	Pad:           true,
	MaskResample:  ResampleBilinear,
}

func modnetProcessing() ProcessorConfig {
	p := baseProcessing
	p.Std = [3]float32{1, 1, 1}
	p.Pad = false
	return p
}

// DefaultCatalog 内置的模型列表
func DefaultCatalog() []ModelConfig {
	return []ModelConfig{
		{
			ID:          RMBG14ID,
			Name:        "RMBG-1.4",
			Backend:     BackendStandard,
			Description: "Cross-platform model, runs on CPU everywhere.",
			Processing:  baseProcessing,
			Precision:   PrecisionFP32,
			Default:     true,
			WeightsURL:  huggingFace + RMBG14ID + "/resolve/main/onnx/model.onnx",
			// 不读取仓库里的 preprocessor_config.json：它是 do_pad=false、image_std=1，
			// 会把标准配置变成移动端配置
		},
		{
			ID:                 MODNetID,
			Name:               "MODNet",
			Backend:            BackendAccelerated,
			Description:        "Fast portrait matting, needs a GPU backend.",
			Processing:         modnetProcessing(),
			Precision:          PrecisionFP16,
			WeightsURL:         huggingFace + MODNetID + "/resolve/main/onnx/model.onnx",
			ProcessorConfigURL: huggingFace + MODNetID + "/resolve/main/preprocessor_config.json",
		},
	}
}

func DefaultRegistry() *Registry {
	return MustRegistry(DefaultCatalog()...)
}
