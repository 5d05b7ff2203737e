package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chisabyte/PropozalApp-sub001/internal/propozal"
)

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect subscription plan catalogs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate a plan catalog file and print its limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := propozal.LoadPlanFile(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			catalog := propozal.NewPlanCatalog(propozal.DefaultPlans())
			if err := catalog.Replace(plans); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLAN\tMONTHLY PROPOSALS")
			for _, plan := range catalog.List() {
				limit := fmt.Sprint(plan.MonthlyProposals)
				if plan.MonthlyProposals < 0 {
					limit = "unlimited"
				}
				fmt.Fprintf(tw, "%s\t%s\n", plan.Name, limit)
			}
			return tw.Flush()
		},
	})
	return cmd
}
