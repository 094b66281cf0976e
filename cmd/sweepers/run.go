package main

import (
	"github.com/spf13/cobra"

	"github.com/nasa-pds/registry-sweepers/internal/ancestry"
	"github.com/nasa-pds/registry-sweepers/internal/provenance"
	"github.com/nasa-pds/registry-sweepers/internal/reindexer"
	"github.com/nasa-pds/registry-sweepers/internal/repairkit"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

var flagIncludeReindexer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all sweepers in sequence",
	Long: `Run all sweepers in their fixed order: repairkit, provenance,
ancestry, and (when requested) the reindexer.

Examples:
  sweepers run
  sweepers run --include-reindexer
  sweepers run -b https://localhost:9200 --insecure`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&flagIncludeReindexer, "include-reindexer", false, "also run the reindexer sweeper")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	return runSweepers(func(re *runEnv) []sweepers.Sweeper {
		jobs := []sweepers.Sweeper{
			repairkit.New(re.env.Client),
			provenance.New(re.env.Client),
			ancestry.New(re.env.Client),
		}
		if flagIncludeReindexer {
			jobs = append(jobs, reindexer.New(re.env.Client))
		}
		return jobs
	})
}
