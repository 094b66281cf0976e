package main

import (
	"github.com/spf13/cobra"

	"github.com/nasa-pds/registry-sweepers/internal/ancestry"
	"github.com/nasa-pds/registry-sweepers/internal/provenance"
	"github.com/nasa-pds/registry-sweepers/internal/reindexer"
	"github.com/nasa-pds/registry-sweepers/internal/repairkit"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

var provenanceCmd = &cobra.Command{
	Use:   "provenance",
	Short: "Stamp each product version with its successor",
	Long: `Update registry records with up-to-date version-chain metadata:
for every published LID the version history is ordered and each document
receives the LIDVID of its immediate successor, or null for the latest.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweepers(func(re *runEnv) []sweepers.Sweeper {
			return []sweepers.Sweeper{provenance.New(re.env.Client)}
		})
	},
}

var ancestryCmd = &cobra.Command{
	Use:   "ancestry",
	Short: "Compute bundle/collection parentage for every product",
	Long: `Update registry records with direct ancestry metadata: the set of
parent collection and parent bundle identifiers of every bundle,
collection, and basic product.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweepers(func(re *runEnv) []sweepers.Sweeper {
			return []sweepers.Sweeper{ancestry.New(re.env.Client)}
		})
	},
}

var repairkitCmd = &cobra.Command{
	Use:   "repairkit",
	Short: "Fix common shape defects in registry documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweepers(func(re *runEnv) []sweepers.Sweeper {
			return []sweepers.Sweeper{repairkit.New(re.env.Client)}
		})
	},
}

var reindexerCmd = &cobra.Command{
	Use:   "reindexer",
	Short: "Ensure every document property is mapped and searchable",
	Long: `Tests unprocessed documents to ensure all their properties are
present in the index mapping. Missing mappings are added using the type
recorded in the data dictionary; properties unknown to the dictionary
default to keyword, which is valid for any scalar value at the cost of
range queries on numerics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweepers(func(re *runEnv) []sweepers.Sweeper {
			return []sweepers.Sweeper{reindexer.New(re.env.Client)}
		})
	},
}

func init() {
	rootCmd.AddCommand(provenanceCmd, ancestryCmd, repairkitCmd, reindexerCmd)
}
