package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the convgraph service",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := cg.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		if jsonOutput {
			printJSON(map[string]string{"status": status})
		} else {
			fmt.Printf("Health: %s\n", status)
		}
		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Short:   "List generation jobs that exhausted their retries",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		dls, err := cg.ListDeadLetters(context.Background(), limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(dls)
			return nil
		}
		if len(dls) == 0 {
			fmt.Println("No dead letters")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FAILED AT\tNODE\tMODEL\tATTEMPTS\tCODE\tERROR")
		for _, dl := range dls {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				dl.FailedAt.Local().Format("2006-01-02 15:04:05"), dl.NodeID, dl.Model, dl.Attempts, dl.Code, truncate(dl.Error, 60))
		}
		return tw.Flush()
	},
}

func init() {
	deadLettersCmd.Flags().Int("limit", 50, "maximum number of entries")
}
