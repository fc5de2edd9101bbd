package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/orchestrator"
	"github.com/informalsystems/tm-bench/pkg/ratecontrol"
	"github.com/informalsystems/tm-bench/pkg/workload"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	bindings := []flagBinding{
		{keyBenchmark, "benchmark"},
		{keyNetwork, "network"},
	}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a benchmark and its network configuration without running it",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), bindings)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(v, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP("benchmark", "b", "", "The benchmark configuration file")
	cmd.Flags().StringP("network", "n", "", "The network configuration file selecting the adapter")
	return cmd
}

// validate loads both files, checks every round and instantiates the
// adapter, which checks its settings.
func validate(v *viper.Viper, out io.Writer) error {
	benchCfg, networkCfg, err := loadConfigs(v)
	if err != nil {
		return err
	}
	if err := orchestrator.ValidateBenchmark(benchCfg); err != nil {
		return err
	}
	if _, err := workload.NewAdapter(*networkCfg, logging.NewNoopLogger()); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%q is valid: %d round(s) on %d worker(s) using the %q adapter\n",
		benchCfg.Test.Name, len(benchCfg.Test.Rounds), benchCfg.Test.Workers.Number, networkCfg.Adapter)
	return err
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available rate controllers, adapters and workload modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			listComponents(cmd.OutOrStdout())
			return nil
		},
	}
}

func listComponents(out io.Writer) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Kind", "Available"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.AppendBulk([][]string{
		{"rate controllers", strings.Join(ratecontrol.Names(), ", ")},
		{"adapters", strings.Join(workload.AdapterNames(), ", ")},
		{"workload modules", strings.Join(workload.ModuleNames(), ", ")},
	})
	table.Render()
}
