package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/cxr-api/internal/conditions"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

func NewClassifyCommand(root *RootCommand) *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "classify <image>",
		Short: "Score one radiograph without starting the server",
		Example: `  # Print all 14 scores as JSON
  cxr-api classify chest.png

  # Print the three most likely conditions
  cxr-api classify chest.png --top 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.classify(cmd.Context(), cmd.OutOrStdout(), args[0], top)
		},
	}

	cmd.Flags().IntVar(&top, "top", 0, "Print only the N most likely conditions as a table")
	return cmd
}

type classifyResult struct {
	Image      string            `json:"image"`
	Model      string            `json:"model"`
	Device     tensor.Device     `json:"device"`
	Conditions conditions.Scores `json:"conditions"`
}

func (r *RootCommand) classify(ctx context.Context, out io.Writer, path string, top int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	x, err := preprocess.New(r.cfg.Model.DeviceD, r.cfg.Preprocess.MaxImagePixels).Preprocess(data)
	if err != nil {
		return err
	}

	backend, err := inference.Open(ctx, r.openConfig())
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	engine := inference.NewEngine(backend, r.log)
	defer engine.Close()

	scores, err := engine.Infer(ctx, x)
	if err != nil {
		return err
	}

	if top > 0 {
		return writeTop(out, scores, top)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(classifyResult{
		Image:      path,
		Model:      r.cfg.Model.Path,
		Device:     engine.Device(),
		Conditions: scores,
	})
}

// writeTop prints the n highest scores, ties kept in condition order.
func writeTop(out io.Writer, scores conditions.Scores, n int) error {
	list := scores.List()
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Probability > list[j].Probability
	})
	if n < len(list) {
		list = list[:n]
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONDITION\tPROBABILITY")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%.4f\n", s.Condition, s.Probability)
	}
	return w.Flush()
}
