package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
)

var (
	providersCapability string
	providersPrefer     []string
	providersSizeHint   int64
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the demo providers",
	Long: `Providers lists the registered demo providers. With --capability it
prints them in fallback order for that capability, preferred providers
first, with the estimated cost of a --size-hint sized input.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry, err := newRegistry(logger, nil)
		if err != nil {
			return err
		}
		if providersCapability == "" {
			return listProviders(cmd.OutOrStdout(), registry)
		}
		c, err := capability.Parse(providersCapability)
		if err != nil {
			return err
		}
		return rankProviders(cmd.OutOrStdout(), registry, c, providersPrefer, providersSizeHint)
	},
}

func init() {
	providersCmd.Flags().StringVarP(&providersCapability, "capability", "c", "", "rank the providers of this capability")
	providersCmd.Flags().StringSliceVar(&providersPrefer, "prefer", nil, "preferred provider ids, in order")
	providersCmd.Flags().Int64Var(&providersSizeHint, "size-hint", 1000, "input size used for cost estimates")
}

func listProviders(w io.Writer, registry *capability.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tTIER\tCAPABILITIES")
	for _, reg := range registry.Providers() {
		caps := make([]string, 0, len(reg.Capabilities))
		for _, c := range reg.Capabilities {
			caps = append(caps, c.String())
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", reg.ProviderID, reg.QualityTier, strings.Join(caps, ","))
	}
	return tw.Flush()
}

func rankProviders(w io.Writer, registry *capability.Registry, c capability.Capability, prefer []string, sizeHint int64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPROVIDER\tTIER\tESTIMATE")
	for i, reg := range registry.ProvidersFor(c, prefer...) {
		estimate, err := registry.EstimateCost(reg.ProviderID, c, sizeHint)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i+1, reg.ProviderID, reg.QualityTier, estimate.StringFixed(4))
	}
	return tw.Flush()
}
