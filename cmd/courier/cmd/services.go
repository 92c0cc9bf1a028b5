package cmd

import (
	"github.com/oriys/courier/internal/dispatch"
	"github.com/oriys/courier/internal/registry"
	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:     "services",
	Aliases: []string{"ls"},
	Short:   "列出网关公开的服务函数",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Services []registry.ServiceMetadata `json:"services"`
		}
		if err := NewClient().CallInto(dispatch.RouteServicesMetadata, nil, &out); err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintServices(out.Services)
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
}
