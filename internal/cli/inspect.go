package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/checkpoint"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

func NewInspectCommand(root *RootCommand) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show how the configured model artifact binds",
		Long: `Read the model artifact and report its layout.

Checkpoints report the container key, the stripped key prefix, the training
epoch and which classifier parameters were bound. ONNX models report their
sidecar metadata.`,
		Example: `  cxr-api inspect --model epoch_001_mAUROC_0.486525.pth
  cxr-api inspect --model weights.safetensors --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.inspect(cmd.Context(), cmd.OutOrStdout(), strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when the checkpoint does not bind every parameter exactly")
	return cmd
}

type inspectReport struct {
	Path            string                  `json:"path"`
	Format          string                  `json:"format"`
	ContainerKey    string                  `json:"container_key,omitempty"`
	Prefix          string                  `json:"prefix,omitempty"`
	Epoch           *int                    `json:"epoch,omitempty"`
	Complete        *bool                   `json:"complete,omitempty"`
	Matched         int                     `json:"matched,omitempty"`
	Missing         []string                `json:"missing,omitempty"`
	Unexpected      []string                `json:"unexpected,omitempty"`
	ShapeMismatched []string                `json:"shape_mismatched,omitempty"`
	ONNX            *inference.ONNXMetadata `json:"onnx,omitempty"`
}

func (r *RootCommand) inspect(ctx context.Context, out io.Writer, strict bool) error {
	path := r.cfg.Model.Path

	var report inspectReport
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return apperr.Wrap(apperr.ModelNotFound, fmt.Sprintf("model not found at %s", path), err)
			}
			return err
		}
		meta, err := inference.ReadONNXMetadata(inference.MetadataPath(path))
		if err != nil {
			return err
		}
		report = inspectReport{Path: path, Format: "onnx", ONNX: &meta}
		return writeReport(out, report)
	}

	// Binding only; nothing runs, so the device is irrelevant.
	bound, err := checkpoint.NewLoader(path, tensor.CPU, r.log).Load(ctx)
	if err != nil {
		return err
	}

	complete := bound.Report.Complete()
	report = inspectReport{
		Path:            path,
		Format:          "checkpoint",
		ContainerKey:    bound.ContainerKey,
		Prefix:          bound.Prefix,
		Complete:        &complete,
		Matched:         len(bound.Report.Matched),
		Missing:         bound.Report.Missing,
		Unexpected:      bound.Report.Unexpected,
		ShapeMismatched: bound.Report.ShapeMismatched,
	}
	if bound.HasEpoch {
		epoch := bound.Epoch
		report.Epoch = &epoch
	}
	if err := writeReport(out, report); err != nil {
		return err
	}
	if strict && !complete {
		return fmt.Errorf("checkpoint does not bind exactly: %s", bound.Report)
	}
	return nil
}

func writeReport(out io.Writer, report inspectReport) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
