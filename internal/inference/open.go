package inference

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/checkpoint"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

type OpenConfig struct {
	Path   string
	Device tensor.Device
	// Strict fails native loads whose bind report is not complete.
	Strict bool
	// ONNXLibrary is the onnxruntime shared library used for .onnx models.
	ONNXLibrary string
	// Arch overrides the native classifier architecture; zero means default.
	Arch   *model.Config
	Logger *slog.Logger
}

// Open binds the model artifact at cfg.Path. ".onnx" files run through
// onnxruntime; everything else is a checkpoint for the native classifier.
func Open(ctx context.Context, cfg OpenConfig) (Backend, error) {
	log := logger.FromContext(ctx, cfg.Logger)

	if strings.EqualFold(filepath.Ext(cfg.Path), ".onnx") {
		if _, err := os.Stat(cfg.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, apperr.Wrap(apperr.ModelNotFound, fmt.Sprintf("model not found at %s", cfg.Path), err)
			}
			return nil, apperr.Wrap(apperr.ModelLoadFailed, "cannot access ONNX model", err)
		}
		b, err := NewONNX(cfg.Path, ONNXOptions{LibraryPath: cfg.ONNXLibrary, Device: cfg.Device})
		if err != nil {
			return nil, apperr.Wrap(apperr.ModelLoadFailed, "cannot start ONNX session", err)
		}
		log.Info("onnx model loaded", "path", cfg.Path, "device", b.Device(), "input_shape", b.InputShape())
		return b, nil
	}

	loader := checkpoint.NewLoader(cfg.Path, cfg.Device, cfg.Logger)
	loader.Strict = cfg.Strict
	if cfg.Arch != nil {
		loader.Arch = *cfg.Arch
	}
	bound, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewNative(bound), nil
}
