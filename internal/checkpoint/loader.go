package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

// BoundModel is a classifier with checkpoint weights bound, in inference
// mode and pinned to its device.
type BoundModel struct {
	Model        *model.Classifier
	Device       tensor.Device
	ContainerKey string
	Prefix       string
	Epoch        int
	HasEpoch     bool
	Report       model.BindReport
}

// Loader binds a checkpoint once and hands out the same BoundModel afterwards.
type Loader struct {
	Path   string
	Device tensor.Device
	// Strict rejects checkpoints that leave parameters unbound or carry
	// entries the classifier does not know.
	Strict bool
	Arch   model.Config
	Logger *slog.Logger

	mu    sync.Mutex
	bound *BoundModel
}

func NewLoader(path string, device tensor.Device, logger *slog.Logger) *Loader {
	return &Loader{
		Path:   path,
		Device: device,
		Arch:   model.DefaultConfig(),
		Logger: logger,
	}
}

// Load reads, resolves, normalizes and binds the checkpoint. Only the first
// successful call touches the file.
func (l *Loader) Load(ctx context.Context) (*BoundModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bound != nil {
		return l.bound, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx, l.Logger)

	if _, err := os.Stat(l.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.ModelNotFound, fmt.Sprintf("model checkpoint not found at %s", l.Path), err)
		}
		return nil, apperr.Wrap(apperr.ModelLoadFailed, "cannot access model checkpoint", err)
	}

	artifact, err := ReadArtifact(l.Path)
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelLoadFailed, "cannot decode model checkpoint", err)
	}
	ckpt, err := Resolve(artifact)
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelLoadFailed, "checkpoint holds no weight mapping", err)
	}
	weights, prefix := NormalizeKeys(ckpt.WeightMapping())

	clf, err := model.New(l.Arch)
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelLoadFailed, "cannot build classifier", err)
	}
	report := clf.LoadWeights(weights.NamedTensors())
	if l.Strict && !report.Complete() {
		return nil, apperr.Wrap(apperr.ModelLoadFailed, "checkpoint does not match the classifier",
			fmt.Errorf("strict binding: %s", report))
	}

	device := l.Device
	if device == "" {
		device = tensor.CPU
	}
	if _, err := clf.Eval().To(device); err != nil {
		return nil, apperr.Wrap(apperr.ModelLoadFailed,
			fmt.Sprintf("checkpoints run on cpu only; point model.path at an .onnx export to use %s", device), err)
	}

	bm := &BoundModel{
		Model:  clf,
		Device: device,
		Prefix: prefix,
		Report: report,
	}
	if w, ok := ckpt.(WrappedCheckpoint); ok {
		bm.ContainerKey = w.ContainerKey
	}
	bm.Epoch, bm.HasEpoch = Epoch(ckpt)

	attrs := []any{
		"path", l.Path,
		"device", device,
		"container", orNone(bm.ContainerKey),
		"prefix", orNone(prefix),
		"matched", len(report.Matched),
		"missing", len(report.Missing),
		"unexpected", len(report.Unexpected),
		"shape_mismatched", len(report.ShapeMismatched),
	}
	if bm.HasEpoch {
		attrs = append(attrs, "epoch", bm.Epoch)
	}
	log.Info("model checkpoint bound", attrs...)
	if !report.Complete() {
		log.Warn("checkpoint bound leniently; unmatched parameters keep initial values",
			"missing", report.Missing, "unexpected", report.Unexpected, "shape_mismatched", report.ShapeMismatched)
	}

	l.bound = bm
	return bm, nil
}

// Bound returns the cached model, or nil before a successful Load.
func (l *Loader) Bound() *BoundModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

// ReadArtifact decodes a checkpoint file according to its extension.
// Anything that is not safetensors is treated as a PyTorch pickle.
func ReadArtifact(path string) (any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return readSafetensors(path)
	default:
		return readPickle(path)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
