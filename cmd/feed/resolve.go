package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve SYMBOL...",
	Short: "Print the instrument token for each symbol",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		resolver := initializeResolver(cfg)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tKEY\tTOKEN\tLOT\tTICK\tEXPIRY")
		var failed int
		for _, sym := range args {
			inst, err := resolver.Resolve(ctx, sym)
			if err != nil {
				fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%v\n", sym, err)
				failed++
				continue
			}
			expiry := "-"
			if !inst.Expiry.IsZero() {
				expiry = inst.Expiry.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%g\t%s\n", sym, inst.Key(), inst.Token, inst.LotSize, inst.TickSize, expiry)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d symbols did not resolve", failed, len(args))
		}
		return nil
	},
}
