package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fno-automation-engine/internal/registry"
)

func newOperatorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "operators",
		Short: "List configured operators and the integration style each one resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := registry.Load(loadConfig().OperatorsFile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCAPABILITY\tENDPOINT")
			for _, d := range reg.Descriptors() {
				endpoint := d.BaseURL
				if d.Capability == registry.CapabilityPortal {
					endpoint = d.PortalURL
				}
				capability := string(d.Capability)
				if capability == "" {
					capability = "UNUSABLE"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, capability, endpoint)
			}
			return w.Flush()
		},
	}
}
