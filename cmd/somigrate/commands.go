package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	savedobjects "github.com/adrianmcphee/savedobjects"
)

var (
	jsonOutput     bool
	failIfOutdated bool
	metricsAddr    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether each saved objects index is up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cleanup, err := newMigrator(cmd.Context(), &savedobjects.NoOpMetrics{})
		if err != nil {
			return err
		}
		defer cleanup()

		statuses, err := m.FetchMigrationStatus(cmd.Context())
		if err != nil {
			return err
		}
		if err := printStatus(cmd.OutOrStdout(), statuses, jsonOutput); err != nil {
			return err
		}

		if failIfOutdated {
			for index, status := range statuses {
				if status == savedobjects.IndexOutdated {
					return fmt.Errorf("index %s is outdated", index)
				}
			}
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate every saved objects index",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := prometheus.NewRegistry()
		metrics := savedobjects.NewPrometheusMetrics(registry)
		if metricsAddr != "" {
			stop := serveMetrics(metricsAddr, registry)
			defer stop()
		}

		m, cleanup, err := newMigrator(cmd.Context(), metrics)
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := m.RunMigrations(cmd.Context())
		if printErr := printResults(cmd.OutOrStdout(), results, jsonOutput); printErr != nil && err == nil {
			err = printErr
		}
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, migrateCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	}
	statusCmd.Flags().BoolVar(&failIfOutdated, "fail-if-outdated", false, "exit non-zero when any index needs migrating")
	migrateCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while migrating")
}

func printStatus(w io.Writer, statuses map[string]savedobjects.IndexStatus, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(statuses)
	}
	indices := make([]string, 0, len(statuses))
	for index := range statuses {
		indices = append(indices, index)
	}
	sort.Strings(indices)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSTATUS")
	for _, index := range indices {
		fmt.Fprintf(tw, "%s\t%s\n", index, statuses[index])
	}
	return tw.Flush()
}

func printResults(w io.Writer, results []savedobjects.IndexResult, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(results)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSTATUS\tSOURCE\tDEST\tELAPSED")
	for _, r := range results {
		elapsed := "-"
		if r.Status == savedobjects.StatusMigrated {
			elapsed = fmt.Sprintf("%dms", r.ElapsedMs)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Index, r.Status, orDash(r.SourceIndex), orDash(r.DestIndex), elapsed)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
