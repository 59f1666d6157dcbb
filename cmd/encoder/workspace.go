package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/encoder/internal/workspace"
)

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Show the workspace a layer configuration needs",
		Args:  cobra.NoArgs,
		RunE:  WorkspaceHandler,
	}
	addConfigFlag(cmd)
	cmd.Flags().Int("batch", 0, "Batch size to size for (defaults to the configured maximum)")
	cmd.Flags().Bool("layout", false, "List the arena regions of the encoder layer")
	return cmd
}

// WorkspaceHandler prints the arena size of every orchestrator kind and,
// with --layout, the regions the encoder layer carves out of it.
func WorkspaceHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	layerCfg := cfg.LayerConfig()
	dims := layerCfg.MaxDims()
	if batch, _ := cmd.Flags().GetInt("batch"); batch > 0 {
		dims = dims.WithBatch(batch)
	}
	flags := layerCfg.Flags()
	size := cfg.DataType().Size()

	var data [][]string
	for _, plan := range []workspace.Plan{
		workspace.NewTransformerPlan(flags),
		workspace.NewAttentionPlan(flags),
		workspace.NewMLPPlan(flags),
	} {
		elems := workspace.CapacityElements(plan, dims)
		data = append(data, []string{
			plan.Kind().String(),
			cfg.DataType().Precision(),
			strconv.Itoa(elems),
			formatBytes(elems * size),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batch %d, sequence %d, hidden %d, heads %d, intermediate %d\n\n",
		dims.Batch, dims.Seq, dims.Hidden, dims.Heads, dims.Intermediate)
	renderTable(cmd, []string{"KIND", "DTYPE", "ELEMENTS", "SIZE"}, data)

	if layout, _ := cmd.Flags().GetBool("layout"); !layout {
		return nil
	}

	lay := workspace.NewLayout(workspace.NewTransformerPlan(flags), dims)
	if err := lay.Validate(workspace.CapacityElements(lay.Plan(), dims)); err != nil {
		return err
	}
	data = data[:0]
	for _, r := range lay.Regions() {
		data = append(data, []string{
			r.Pass.String(),
			r.Name,
			strconv.Itoa(r.Offset),
			strconv.Itoa(r.Len),
			fmt.Sprintf("%s..%s", r.From, r.To),
		})
	}
	fmt.Fprintln(out)
	renderTable(cmd, []string{"PASS", "REGION", "OFFSET", "ELEMENTS", "LIVE"}, data)
	return nil
}

func renderTable(cmd *cobra.Command, header []string, data [][]string) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
